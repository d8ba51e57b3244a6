package intercept

import (
	"context"
	"net/http"
	"sync"
)

// roundTripper routes requests through an Interceptor before handing them to base.
type roundTripper struct {
	base http.RoundTripper
	icpt *Interceptor
}

// interceptedMarker is implemented by transports that already intercept.
type interceptedMarker interface {
	ccswitchIntercepted()
}

func (rt *roundTripper) ccswitchIntercepted() {}

// RoundTrip implements http.RoundTripper. The caller's request is never
// modified; a rewritten call travels on a clone.
func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.base.RoundTrip(rt.icpt.apply(req))
}

// CloseIdleConnections forwards to base when it supports it.
func (rt *roundTripper) CloseIdleConnections() {
	if c, ok := rt.base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func (i *Interceptor) apply(req *http.Request) (out *http.Request) {
	out = req
	defer func() {
		if r := recover(); r != nil {
			out = req
		}
	}()
	res, decision := i.intercept(Call{Method: req.Method, URL: req.URL, Header: req.Header})
	if decision.Action != ActionRedirected && decision.Action != ActionAuthorized {
		return req
	}
	clone := req.Clone(req.Context())
	clone.URL = res.URL
	clone.Host = res.URL.Host
	clone.Header = res.Header
	return clone
}

// WrapTransport returns base wrapped by i. Wrapping an already intercepted
// transport returns it unchanged.
func WrapTransport(base http.RoundTripper, i *Interceptor) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if _, ok := base.(interceptedMarker); ok {
		return base
	}
	return &roundTripper{base: base, icpt: i}
}

// WrapClient makes c's transport intercepted and returns c.
func WrapClient(c *http.Client, i *Interceptor) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	c.Transport = WrapTransport(c.Transport, i)
	return c
}

var installState struct {
	mu               sync.Mutex
	icpt             *Interceptor
	defaultTransport http.RoundTripper
	defaultClientRT  http.RoundTripper
}

// Install patches http.DefaultTransport and http.DefaultClient once per
// process. Later calls return the first interceptor.
func Install(opts Options) *Interceptor {
	installState.mu.Lock()
	defer installState.mu.Unlock()
	if installState.icpt != nil {
		return installState.icpt
	}

	icpt := New(opts)
	icpt.Start(context.Background())

	installState.defaultTransport = http.DefaultTransport
	installState.defaultClientRT = http.DefaultClient.Transport
	base := http.DefaultTransport
	if t, ok := base.(*http.Transport); ok {
		t = t.Clone()
		t.Proxy = icpt.Proxy
		base = t
	}
	http.DefaultTransport = WrapTransport(base, icpt)
	WrapClient(http.DefaultClient, icpt)
	installState.icpt = icpt
	return icpt
}

// Installed reports whether Install has patched this process.
func Installed() bool {
	installState.mu.Lock()
	defer installState.mu.Unlock()
	return installState.icpt != nil
}

// Uninstall restores the default transport and client.
func Uninstall() {
	installState.mu.Lock()
	defer installState.mu.Unlock()
	if installState.icpt == nil {
		return
	}
	installState.icpt.Close()
	http.DefaultTransport = installState.defaultTransport
	http.DefaultClient.Transport = installState.defaultClientRT
	installState.icpt = nil
}
