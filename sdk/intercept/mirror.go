package intercept

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Finesssee/ccswitch/internal/channel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Mirror keeps a read-only copy of the settings file. It re-reads the file at
// most once per interval, or on every write while a watch is running, and
// ignores content whose hash it has already seen.
type Mirror struct {
	store        *channel.Store
	officialHost string
	interval     time.Duration

	state     atomic.Pointer[State]
	checkedAt atomic.Int64
	watching  atomic.Bool
	group     singleflight.Group

	now      func() time.Time
	onChange func(prev, next *State)
}

// NewMirror creates a mirror of the document held by store.
func NewMirror(store *channel.Store, officialHost string, interval time.Duration) *Mirror {
	return &Mirror{
		store:        store,
		officialHost: officialHost,
		interval:     interval,
		now:          time.Now,
	}
}

// Current returns the latest state. The first call loads synchronously; later
// calls trigger a background refresh once the interval has elapsed and a watch
// is not running.
func (m *Mirror) Current() *State {
	st := m.state.Load()
	if st == nil {
		st, _ = m.Refresh()
		return st
	}
	if !m.watching.Load() && m.stale() {
		go m.Refresh()
	}
	return st
}

func (m *Mirror) stale() bool {
	last := m.checkedAt.Load()
	return m.now().UnixNano()-last >= int64(m.interval)
}

// Refresh re-reads the file now. It reports whether the state changed.
// Concurrent calls share one read.
func (m *Mirror) Refresh() (*State, bool) {
	v, _, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.refresh(), nil
	})
	res := v.(refreshResult)
	return res.state, res.changed
}

type refreshResult struct {
	state   *State
	changed bool
}

func (m *Mirror) refresh() refreshResult {
	m.checkedAt.Store(m.now().UnixNano())
	prev := m.state.Load()

	doc, err := m.store.Read()
	if err != nil {
		if prev == nil {
			empty := NewState(channel.Settings{}, "", m.officialHost)
			m.state.Store(empty)
			prev = empty
		}
		if !errors.Is(err, channel.ErrSettingsNotFound) {
			log.Debugf("intercept: settings unreadable, keeping previous state: %v", err)
		}
		return refreshResult{state: prev}
	}
	if prev != nil && prev.Hash == doc.Hash {
		return refreshResult{state: prev}
	}

	next := NewState(doc.Settings, doc.Hash, m.officialHost)
	m.state.Store(next)
	if next.Active {
		log.Infof("intercept: channel is %s/%s", next.Channel.Provider.ID, next.Channel.Account.Label())
	} else {
		log.Info("intercept: no active channel")
	}
	if m.onChange != nil {
		m.onChange(prev, next)
	}
	return refreshResult{state: next, changed: true}
}

// Watch refreshes on every write to the settings file until ctx is done.
// While it runs the interval check is skipped.
func (m *Mirror) Watch(ctx context.Context) error {
	m.watching.Store(true)
	defer m.watching.Store(false)
	return channel.WatchFile(ctx, m.store.Path(), func() { m.Refresh() })
}
