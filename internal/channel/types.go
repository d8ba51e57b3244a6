// Package channel holds the provider/account model that decides where the
// assistant's API calls are routed, the file-backed store shared with the
// in-process interceptor, and the Registry that serves consistent snapshots of
// the active channel to the reverse proxy.
package channel

import (
	"net/url"
	"strings"
)

// ProviderType distinguishes the official backend from third-party compatible APIs.
type ProviderType string

const (
	ProviderOfficial   ProviderType = "official"
	ProviderThirdParty ProviderType = "third_party"
)

// Provider is a backend family holding one or more accounts.
type Provider struct {
	ID               string       `json:"id"`
	Type             ProviderType `json:"type"`
	DisplayName      string       `json:"displayName,omitempty"`
	Accounts         []Account    `json:"accounts"`
	ActiveAccountID  string       `json:"activeAccountId,omitempty"`
	UseUpstreamProxy bool         `json:"useUpstreamProxy,omitempty"`
}

// Account carries either the official shape (AccountUUID, EmailAddress, ...)
// or the third-party shape (ID, Name, APIKey, BaseURL). The owning provider's
// Type says which fields are meaningful.
type Account struct {
	AccountUUID           string `json:"accountUuid,omitempty"`
	EmailAddress          string `json:"emailAddress,omitempty"`
	OrganizationUUID      string `json:"organizationUuid,omitempty"`
	OrganizationRole      string `json:"organizationRole,omitempty"`
	CapturedAuthorization string `json:"capturedAuthorization,omitempty"`

	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// Key identifies the account within its provider.
func (a Account) Key() string {
	if a.AccountUUID != "" {
		return a.AccountUUID
	}
	return a.ID
}

// Label is a human-readable name for logs and the picker.
func (a Account) Label() string {
	switch {
	case a.EmailAddress != "":
		return a.EmailAddress
	case a.Name != "":
		return a.Name
	default:
		return a.Key()
	}
}

// UpstreamProxyConfig describes the forward proxy the reverse proxy tunnels through.
type UpstreamProxyConfig struct {
	Enabled bool       `json:"enabled"`
	URL     string     `json:"url,omitempty"`
	Auth    *ProxyAuth `json:"auth,omitempty"`
}

// ProxyAuth holds optional basic credentials for the upstream proxy.
type ProxyAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Active reports whether the config should be applied to outbound calls.
func (c UpstreamProxyConfig) Active() bool {
	return c.Enabled && strings.TrimSpace(c.URL) != ""
}

// ProxyURL returns the parsed proxy URL with credentials embedded, or nil when
// the config is inactive.
func (c UpstreamProxyConfig) ProxyURL() (*url.URL, error) {
	if !c.Active() {
		return nil, nil
	}
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil {
		return nil, err
	}
	if c.Auth != nil && c.Auth.Username != "" {
		u.User = url.UserPassword(c.Auth.Username, c.Auth.Password)
	}
	return u, nil
}

// Equal compares two proxy configs field by field.
func (c UpstreamProxyConfig) Equal(o UpstreamProxyConfig) bool {
	if c.Enabled != o.Enabled || c.URL != o.URL {
		return false
	}
	if (c.Auth == nil) != (o.Auth == nil) {
		return false
	}
	return c.Auth == nil || *c.Auth == *o.Auth
}

// Settings is the whole shared document.
type Settings struct {
	Providers        []Provider          `json:"providers"`
	ActiveProviderID string              `json:"activeProviderId,omitempty"`
	UpstreamProxy    UpstreamProxyConfig `json:"upstreamProxy"`
}

// Channel is the active provider/account pair. Provider.Accounts is left empty;
// a channel only describes the selected account.
type Channel struct {
	Provider Provider
	Account  Account
}

// Official reports whether the channel routes to the official backend.
func (c Channel) Official() bool {
	return c.Provider.Type == ProviderOfficial
}

// UsesUpstreamProxy reports whether outbound calls for this channel go through proxy.
func (c Channel) UsesUpstreamProxy(proxy UpstreamProxyConfig) bool {
	return c.Provider.UseUpstreamProxy && proxy.Active()
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	if s.Providers != nil {
		out.Providers = make([]Provider, len(s.Providers))
		for i, p := range s.Providers {
			out.Providers[i] = p
			if p.Accounts != nil {
				out.Providers[i].Accounts = append([]Account(nil), p.Accounts...)
			}
		}
	}
	if s.UpstreamProxy.Auth != nil {
		auth := *s.UpstreamProxy.Auth
		out.UpstreamProxy.Auth = &auth
	}
	return out
}

// Provider returns a pointer into s.Providers for id, or nil.
func (s *Settings) Provider(id string) *Provider {
	for i := range s.Providers {
		if s.Providers[i].ID == id {
			return &s.Providers[i]
		}
	}
	return nil
}

// Account returns a pointer into p.Accounts for key, or nil.
func (p *Provider) Account(key string) *Account {
	if key == "" {
		return nil
	}
	for i := range p.Accounts {
		if p.Accounts[i].Key() == key {
			return &p.Accounts[i]
		}
	}
	return nil
}

// ActiveChannel resolves the active provider and its active account.
func (s *Settings) ActiveChannel() (Channel, bool) {
	p := s.Provider(s.ActiveProviderID)
	if p == nil {
		return Channel{}, false
	}
	a := p.Account(p.ActiveAccountID)
	if a == nil {
		return Channel{}, false
	}
	provider := *p
	provider.Accounts = nil
	return Channel{Provider: provider, Account: *a}, true
}

// normalize enforces the document invariants and reports what it dropped.
func (s *Settings) normalize() []string {
	var dropped []string
	for i := range s.Providers {
		p := &s.Providers[i]
		if p.ActiveAccountID != "" && p.Account(p.ActiveAccountID) == nil {
			dropped = append(dropped, "provider "+p.ID+": activeAccountId "+p.ActiveAccountID)
			p.ActiveAccountID = ""
		}
	}
	if s.ActiveProviderID != "" && s.Provider(s.ActiveProviderID) == nil {
		dropped = append(dropped, "activeProviderId "+s.ActiveProviderID)
		s.ActiveProviderID = ""
	}
	return dropped
}
