// Package middleware provides HTTP middleware components for the local proxy.
// This file contains the connection tracking middleware reported by /healthz.
package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ConnectionTracker counts in-flight requests without locks.
type ConnectionTracker struct {
	count atomic.Int64
}

// Increment increases the in-flight count by 1.
func (ct *ConnectionTracker) Increment() {
	ct.count.Add(1)
}

// Decrement decreases the in-flight count by 1.
func (ct *ConnectionTracker) Decrement() {
	ct.count.Add(-1)
}

// Count returns the current number of in-flight requests.
func (ct *ConnectionTracker) Count() int64 {
	return ct.count.Load()
}

// ConnectionTrackerMiddleware counts every request through tracker for its duration.
func ConnectionTrackerMiddleware(tracker *ConnectionTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tracker.Increment()
		defer tracker.Decrement()
		c.Next()
	}
}
