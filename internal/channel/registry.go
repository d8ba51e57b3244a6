package channel

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrProviderNotFound is returned when a provider id is unknown.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrAccountNotFound is returned when an account id or email is unknown.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidProxyConfig is returned when an enabled upstream proxy has an unusable URL.
	ErrInvalidProxyConfig = errors.New("invalid upstream proxy config")
)

// Service is the read and write surface the proxy, supervisor and CLI use.
type Service interface {
	ActiveChannel() (Channel, bool)
	UpstreamProxy() UpstreamProxyConfig
	ActiveRoute() (Channel, UpstreamProxyConfig, bool)
	Snapshot() Settings
	SetActiveProvider(providerID string) error
	SetActiveAccount(providerID, accountID string) error
	RecordCapturedAuthorization(email, token string) (CaptureResult, error)
	SetUpstreamProxyConfig(cfg UpstreamProxyConfig) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

type snapshot struct {
	settings Settings
	hash     string
	active   Channel
	ok       bool
}

func newSnapshot(s Settings, hash string) *snapshot {
	snap := &snapshot{settings: s, hash: hash}
	snap.active, snap.ok = snap.settings.ActiveChannel()
	return snap
}

// Registry serves the current settings to concurrent readers and serializes
// writers. Readers never block: every mutation builds a new snapshot and swaps
// it in after it has been persisted.
type Registry struct {
	store *Store

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	bus     eventBus
}

var _ Service = (*Registry)(nil)

// NewRegistry loads the document at store. A missing or unreadable document
// yields an empty registry and a warning.
func NewRegistry(store *Store) *Registry {
	r := &Registry{store: store}
	doc, err := store.Read()
	switch {
	case errors.Is(err, ErrSettingsNotFound):
		log.Infof("settings file %s does not exist yet, starting empty", store.Path())
		doc = Document{}
	case err != nil:
		log.Warnf("failed to load settings file %s: %v", store.Path(), err)
		doc = Document{}
	}
	for _, d := range doc.Settings.normalize() {
		log.Warnf("settings: dropped dangling %s", d)
	}
	r.current.Store(newSnapshot(doc.Settings, doc.Hash))
	return r
}

// Store returns the backing store.
func (r *Registry) Store() *Store {
	return r.store
}

// ActiveChannel returns the active provider and account, or false when either is unset.
func (r *Registry) ActiveChannel() (Channel, bool) {
	snap := r.current.Load()
	return snap.active, snap.ok
}

// UpstreamProxy returns the current upstream proxy config.
func (r *Registry) UpstreamProxy() UpstreamProxyConfig {
	return r.current.Load().settings.UpstreamProxy
}

// ActiveRoute returns the active channel and the upstream proxy config from
// the same snapshot, so a concurrent write never pairs one with the other's
// successor.
func (r *Registry) ActiveRoute() (Channel, UpstreamProxyConfig, bool) {
	snap := r.current.Load()
	return snap.active, snap.settings.UpstreamProxy, snap.ok
}

// Snapshot returns a deep copy of the current settings.
func (r *Registry) Snapshot() Settings {
	return r.current.Load().settings.Clone()
}

// Subscribe registers fn for every subsequent event. Handlers run on the
// writer's goroutine, after the writer has released the registry.
func (r *Registry) Subscribe(fn func(Event)) func() {
	return r.bus.subscribe(fn)
}

// SetActiveProvider selects providerID.
func (r *Registry) SetActiveProvider(providerID string) error {
	return r.update(func(s *Settings) ([]Event, error) {
		p := s.Provider(providerID)
		if p == nil {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
		}
		if s.ActiveProviderID == providerID {
			return nil, nil
		}
		s.ActiveProviderID = providerID
		return []Event{{Type: EventProviderChanged, ProviderID: providerID, AccountID: p.ActiveAccountID}}, nil
	})
}

// SetActiveAccount selects accountID within providerID and makes that provider active.
func (r *Registry) SetActiveAccount(providerID, accountID string) error {
	return r.update(func(s *Settings) ([]Event, error) {
		p := s.Provider(providerID)
		if p == nil {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
		}
		if p.Account(accountID) == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrAccountNotFound, providerID, accountID)
		}
		var events []Event
		if s.ActiveProviderID != providerID {
			s.ActiveProviderID = providerID
			events = append(events, Event{Type: EventProviderChanged, ProviderID: providerID, AccountID: accountID})
		}
		if p.ActiveAccountID != accountID {
			p.ActiveAccountID = accountID
			events = append(events, Event{Type: EventAccountChanged, ProviderID: providerID, AccountID: accountID})
		}
		return events, nil
	})
}

// RecordCapturedAuthorization stores a token observed on the wire for the
// official account owning email. token may carry a "Bearer " prefix.
func (r *Registry) RecordCapturedAuthorization(email, token string) (CaptureResult, error) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}

	var result CaptureResult
	err := r.update(func(s *Settings) ([]Event, error) {
		var owner string
		result, owner = ApplyCapture(s, email, token)
		switch result {
		case CaptureApplied:
			p, a := findOfficialByEmail(s, email)
			return []Event{{Type: EventAccountChanged, ProviderID: p, AccountID: a}}, nil
		case CaptureRejectedConflict:
			log.Warnf("captured authorization for %s is already held by %s, keeping stored tokens", email, owner)
		case CaptureAccountNotFound:
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, email)
		}
		return nil, nil
	})
	return result, err
}

// SetUpstreamProxyConfig replaces the upstream proxy config.
func (r *Registry) SetUpstreamProxyConfig(cfg UpstreamProxyConfig) error {
	if cfg.Active() {
		u, err := url.Parse(strings.TrimSpace(cfg.URL))
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidProxyConfig, cfg.URL)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyConfig, u.Scheme)
		}
	}
	return r.update(func(s *Settings) ([]Event, error) {
		if s.UpstreamProxy.Equal(cfg) {
			return nil, nil
		}
		s.UpstreamProxy = cfg
		if cfg.Auth != nil {
			auth := *cfg.Auth
			s.UpstreamProxy.Auth = &auth
		}
		return []Event{{Type: EventProxyConfigChanged}}, nil
	})
}

// UpsertOfficialAccount adds or refreshes an official account identified by
// its AccountUUID or email. A captured token already stored is kept. It
// reports whether a new account was created.
func (r *Registry) UpsertOfficialAccount(acct Account) (bool, error) {
	if acct.AccountUUID == "" && acct.EmailAddress == "" {
		return false, errors.New("official account needs an accountUuid or emailAddress")
	}
	var created bool
	err := r.update(func(s *Settings) ([]Event, error) {
		p := firstOfficialProvider(s)
		if p == nil {
			s.Providers = append(s.Providers, Provider{ID: "official", Type: ProviderOfficial, DisplayName: "Official"})
			p = &s.Providers[len(s.Providers)-1]
		}
		var existing *Account
		for i := range p.Accounts {
			a := &p.Accounts[i]
			if (acct.AccountUUID != "" && a.AccountUUID == acct.AccountUUID) ||
				(acct.EmailAddress != "" && strings.EqualFold(a.EmailAddress, acct.EmailAddress)) {
				existing = a
				break
			}
		}
		if existing == nil {
			acct.CapturedAuthorization = strings.TrimSpace(acct.CapturedAuthorization)
			p.Accounts = append(p.Accounts, acct)
			created = true
			existing = &p.Accounts[len(p.Accounts)-1]
		} else {
			merged := acct
			if merged.CapturedAuthorization == "" {
				merged.CapturedAuthorization = existing.CapturedAuthorization
			}
			if *existing == merged {
				return nil, nil
			}
			*existing = merged
		}
		events := []Event{{Type: EventAccountChanged, ProviderID: p.ID, AccountID: existing.Key()}}
		if p.ActiveAccountID == "" {
			p.ActiveAccountID = existing.Key()
		}
		return events, nil
	})
	return created, err
}

// Reload re-reads the file and publishes the difference as events. It reports
// whether anything changed.
func (r *Registry) Reload() (bool, error) {
	r.mu.Lock()
	events, changed, err := r.reloadLocked()
	r.mu.Unlock()
	r.bus.emit(events)
	return changed, err
}

func (r *Registry) reloadLocked() ([]Event, bool, error) {
	cur := r.current.Load()
	doc, err := r.store.Read()
	if errors.Is(err, ErrSettingsNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if doc.Hash == cur.hash {
		return nil, false, nil
	}
	for _, d := range doc.Settings.normalize() {
		log.Warnf("settings: dropped dangling %s", d)
	}
	next := newSnapshot(doc.Settings, doc.Hash)
	r.current.Store(next)
	events := diffSnapshots(cur, next)
	for i := range events {
		events[i].External = true
	}
	log.Debugf("settings reloaded from %s (%d change events)", r.store.Path(), len(events))
	return events, true, nil
}

// update applies fn to a copy of the current settings, persists the result
// and swaps it in. File changes not yet picked up are folded in first so a
// write never drops a concurrent writer's capture.
func (r *Registry) update(fn func(*Settings) ([]Event, error)) error {
	r.mu.Lock()
	var events []Event
	if hash, err := r.store.Hash(); err == nil && hash != r.current.Load().hash {
		reloadEvents, _, errReload := r.reloadLocked()
		if errReload != nil {
			log.Warnf("settings changed on disk but could not be reloaded: %v", errReload)
		}
		events = append(events, reloadEvents...)
	}

	next := r.current.Load().settings.Clone()
	changeEvents, err := fn(&next)
	if err != nil || len(changeEvents) == 0 {
		r.mu.Unlock()
		r.bus.emit(events)
		return err
	}
	next.normalize()
	hash, err := r.store.Write(next)
	if err != nil {
		r.mu.Unlock()
		r.bus.emit(events)
		return fmt.Errorf("persist settings: %w", err)
	}
	r.current.Store(newSnapshot(next, hash))
	r.mu.Unlock()

	r.bus.emit(append(events, changeEvents...))
	return nil
}

func diffSnapshots(prev, next *snapshot) []Event {
	var events []Event
	if prev.settings.ActiveProviderID != next.settings.ActiveProviderID {
		events = append(events, Event{Type: EventProviderChanged, ProviderID: next.active.Provider.ID, AccountID: next.active.Account.Key()})
	} else if prev.ok != next.ok || !reflect.DeepEqual(prev.active, next.active) {
		events = append(events, Event{Type: EventAccountChanged, ProviderID: next.active.Provider.ID, AccountID: next.active.Account.Key()})
	}
	if !prev.settings.UpstreamProxy.Equal(next.settings.UpstreamProxy) {
		events = append(events, Event{Type: EventProxyConfigChanged})
	}
	return events
}

func firstOfficialProvider(s *Settings) *Provider {
	for i := range s.Providers {
		if s.Providers[i].Type == ProviderOfficial {
			return &s.Providers[i]
		}
	}
	return nil
}

func findOfficialByEmail(s *Settings, email string) (providerID, accountID string) {
	for _, p := range s.Providers {
		if p.Type != ProviderOfficial {
			continue
		}
		for _, a := range p.Accounts {
			if strings.EqualFold(a.EmailAddress, email) {
				return p.ID, a.Key()
			}
		}
	}
	return "", ""
}
