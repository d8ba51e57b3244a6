package channel

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"
)

const fixtureSettings = `{
  // written by hand
  "theme": "dark",
  "providers": [
    {
      "id": "official",
      "type": "official",
      "accounts": [
        {"accountUuid": "u-alice", "emailAddress": "alice@example.com", "organizationUuid": "org-1"},
        {"accountUuid": "u-bob", "emailAddress": "bob@example.com", "organizationUuid": "org-2", "capturedAuthorization": "tok-bob"}
      ],
      "activeAccountId": "u-alice"
    },
    {
      "id": "relay",
      "type": "third_party",
      "accounts": [
        {"id": "k1", "name": "primary", "apiKey": "sk-relay-1", "baseUrl": "https://relay.example/api"},
        {"id": "k2", "name": "backup", "apiKey": "sk-relay-2", "baseUrl": "https://backup.example"}
      ],
      "activeAccountId": "k1",
      "useUpstreamProxy": true,
    },
  ],
  "activeProviderId": "official"
}`

func newTestRegistry(t *testing.T, content string) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return NewRegistry(NewStore(path))
}

func TestRegistry_LoadsCommentedDocument(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)

	ch, ok := r.ActiveChannel()
	require.True(t, ok)
	assert.Equal(t, "official", ch.Provider.ID)
	assert.Equal(t, "alice@example.com", ch.Account.EmailAddress)
	assert.True(t, ch.Official())
	assert.Nil(t, ch.Provider.Accounts)
}

func TestRegistry_MissingFileStartsEmpty(t *testing.T) {
	r := newTestRegistry(t, "")
	_, ok := r.ActiveChannel()
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot().Providers)
}

func TestRegistry_DropsDanglingActiveAccount(t *testing.T) {
	r := newTestRegistry(t, `{"providers":[{"id":"p","type":"official","accounts":[],"activeAccountId":"gone"}],"activeProviderId":"p"}`)
	snap := r.Snapshot()
	assert.Empty(t, snap.Providers[0].ActiveAccountID)
	_, ok := r.ActiveChannel()
	assert.False(t, ok)
}

func TestRegistry_SetActiveProviderAndAccount(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)

	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })

	require.NoError(t, r.SetActiveProvider("relay"))
	ch, ok := r.ActiveChannel()
	require.True(t, ok)
	assert.Equal(t, "sk-relay-1", ch.Account.APIKey)

	require.NoError(t, r.SetActiveAccount("relay", "k2"))
	ch, _ = r.ActiveChannel()
	assert.Equal(t, "https://backup.example", ch.Account.BaseURL)

	require.Len(t, got, 2)
	assert.Equal(t, EventProviderChanged, got[0].Type)
	assert.Equal(t, EventAccountChanged, got[1].Type)
	assert.Equal(t, "k2", got[1].AccountID)

	// Selecting the same provider again is a no-op.
	require.NoError(t, r.SetActiveProvider("relay"))
	assert.Len(t, got, 2)
}

func TestRegistry_SetActiveAccountSwitchesProvider(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)
	var got []EventType
	r.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	require.NoError(t, r.SetActiveAccount("relay", "k2"))
	assert.Equal(t, []EventType{EventProviderChanged, EventAccountChanged}, got)
}

func TestRegistry_UnknownIDs(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)
	assert.ErrorIs(t, r.SetActiveProvider("nope"), ErrProviderNotFound)
	assert.ErrorIs(t, r.SetActiveAccount("relay", "nope"), ErrAccountNotFound)
	assert.ErrorIs(t, r.SetActiveAccount("nope", "k1"), ErrProviderNotFound)
	_, err := r.RecordCapturedAuthorization("nobody@example.com", "tok")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRegistry_RecordCapturedAuthorization(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)
	var events int
	r.Subscribe(func(Event) { events++ })

	res, err := r.RecordCapturedAuthorization("alice@example.com", "Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, CaptureApplied, res)
	ch, _ := r.ActiveChannel()
	assert.Equal(t, "abc123", ch.Account.CapturedAuthorization)
	assert.Equal(t, 1, events)

	res, err = r.RecordCapturedAuthorization("alice@example.com", "abc123")
	require.NoError(t, err)
	assert.Equal(t, CaptureUnchanged, res)
	assert.Equal(t, 1, events)

	// Bob already owns tok-bob; alice keeps abc123.
	res, err = r.RecordCapturedAuthorization("alice@example.com", "tok-bob")
	require.NoError(t, err)
	assert.Equal(t, CaptureRejectedConflict, res)
	ch, _ = r.ActiveChannel()
	assert.Equal(t, "abc123", ch.Account.CapturedAuthorization)

	raw, err := os.ReadFile(r.Store().Path())
	require.NoError(t, err)
	assert.Equal(t, "abc123", gjson.GetBytes(raw, `providers.0.accounts.0.capturedAuthorization`).String())
	assert.Equal(t, "dark", gjson.GetBytes(raw, "theme").String(), "unowned keys must survive writes")
}

func TestRegistry_SetUpstreamProxyConfig(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)
	var got []EventType
	r.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	cfg := UpstreamProxyConfig{Enabled: true, URL: "socks5://127.0.0.1:1080", Auth: &ProxyAuth{Username: "u", Password: "p"}}
	require.NoError(t, r.SetUpstreamProxyConfig(cfg))
	require.NoError(t, r.SetUpstreamProxyConfig(cfg))
	assert.Equal(t, []EventType{EventProxyConfigChanged}, got)
	assert.True(t, r.UpstreamProxy().Equal(cfg))

	assert.ErrorIs(t, r.SetUpstreamProxyConfig(UpstreamProxyConfig{Enabled: true, URL: "ftp://x:1"}), ErrInvalidProxyConfig)
}

func TestRegistry_UpsertOfficialAccount(t *testing.T) {
	r := newTestRegistry(t, "")

	created, err := r.UpsertOfficialAccount(Account{AccountUUID: "u-1", EmailAddress: "carol@example.com"})
	require.NoError(t, err)
	assert.True(t, created)

	_, err = r.RecordCapturedAuthorization("carol@example.com", "tok-c")
	require.NoError(t, err)

	created, err = r.UpsertOfficialAccount(Account{AccountUUID: "u-1", EmailAddress: "carol@example.com", OrganizationRole: "admin"})
	require.NoError(t, err)
	assert.False(t, created)

	snap := r.Snapshot()
	require.Len(t, snap.Providers, 1)
	acct := snap.Providers[0].Accounts[0]
	assert.Equal(t, "admin", acct.OrganizationRole)
	assert.Equal(t, "tok-c", acct.CapturedAuthorization)
	assert.Equal(t, "u-1", snap.Providers[0].ActiveAccountID)
}

func TestRegistry_ReloadPublishesExternalChanges(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)
	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })

	changed, err := r.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file must not publish")

	other := NewStore(r.Store().Path())
	_, err = other.Update(func(s *Settings) (bool, error) {
		res, _ := ApplyCapture(s, "alice@example.com", "from-interceptor")
		return res == CaptureApplied, nil
	})
	require.NoError(t, err)

	changed, err = r.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, got, 1)
	assert.Equal(t, EventAccountChanged, got[0].Type)
	assert.True(t, got[0].External)

	ch, _ := r.ActiveChannel()
	assert.Equal(t, "from-interceptor", ch.Account.CapturedAuthorization)
}

func TestRegistry_WriteFoldsInExternalCapture(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)

	other := NewStore(r.Store().Path())
	_, err := other.Update(func(s *Settings) (bool, error) {
		res, _ := ApplyCapture(s, "alice@example.com", "external")
		return res == CaptureApplied, nil
	})
	require.NoError(t, err)

	require.NoError(t, r.SetActiveAccount("relay", "k2"))

	doc, err := other.Read()
	require.NoError(t, err)
	assert.Equal(t, "external", doc.Settings.Providers[0].Accounts[0].CapturedAuthorization)
	assert.Equal(t, "relay", doc.Settings.ActiveProviderID)
}

func TestRegistry_ConcurrentReadersSeeWholeChannels(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)

	valid := map[string]string{
		"u-alice": "official",
		"k1":      "relay",
		"k2":      "relay",
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				ch, ok := r.ActiveChannel()
				if !ok {
					continue
				}
				if want, found := valid[ch.Account.Key()]; !found || want != ch.Provider.ID {
					select {
					case errs <- ch.Provider.ID + "/" + ch.Account.Key():
					default:
					}
					return
				}
			}
		}()
	}

	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			require.NoError(t, r.SetActiveAccount("relay", []string{"k1", "k2"}[i%4/2]))
		} else {
			require.NoError(t, r.SetActiveProvider("official"))
		}
	}
	cancel()
	wg.Wait()
	close(errs)
	for torn := range errs {
		t.Errorf("reader observed inconsistent channel %s", torn)
	}
}

func TestRegistry_ActiveRouteComesFromOneSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	docs := map[string]string{}
	for provider, proxyURL := range map[string]string{"official": "http://official-proxy:8080", "relay": "http://relay-proxy:8080"} {
		raw, err := sjson.Set(string(jsonc.ToJSON([]byte(fixtureSettings))), "activeProviderId", provider)
		require.NoError(t, err)
		raw, err = sjson.Set(raw, "upstreamProxy", map[string]any{"enabled": true, "url": proxyURL})
		require.NoError(t, err)
		docs[provider] = raw
	}
	require.NoError(t, os.WriteFile(path, []byte(docs["official"]), 0o600))
	r := NewRegistry(NewStore(path))

	ch, proxyCfg, ok := r.ActiveRoute()
	require.True(t, ok)
	assert.Equal(t, "official", ch.Provider.ID)
	assert.Equal(t, "http://official-proxy:8080", proxyCfg.URL)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	mismatches := make(chan string, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				ch, proxyCfg, ok := r.ActiveRoute()
				if !ok {
					continue
				}
				if proxyCfg.URL != "http://"+ch.Provider.ID+"-proxy:8080" {
					select {
					case mismatches <- ch.Provider.ID + " with " + proxyCfg.URL:
					default:
					}
					return
				}
			}
		}()
	}

	for i := 0; i < 40; i++ {
		next := docs[[]string{"relay", "official"}[i%2]]
		require.NoError(t, os.WriteFile(path, []byte(next), 0o600))
		_, err := r.Reload()
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()
	close(mismatches)
	for m := range mismatches {
		t.Errorf("route paired %s", m)
	}
}

func TestRegistry_SubscriberPanicIsContained(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)
	calls := 0
	r.Subscribe(func(Event) { panic("boom") })
	unsub := r.Subscribe(func(Event) { calls++ })

	require.NoError(t, r.SetActiveProvider("relay"))
	assert.Equal(t, 1, calls)

	unsub()
	require.NoError(t, r.SetActiveProvider("official"))
	assert.Equal(t, 1, calls)
}

func TestRegistry_WatchPicksUpWrites(t *testing.T) {
	r := newTestRegistry(t, fixtureSettings)
	changed := make(chan Event, 4)
	r.Subscribe(func(ev Event) { changed <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	other := NewStore(r.Store().Path())
	_, err := other.Update(func(s *Settings) (bool, error) {
		s.ActiveProviderID = "relay"
		return true, nil
	})
	require.NoError(t, err)

	select {
	case ev := <-changed:
		assert.Equal(t, EventProviderChanged, ev.Type)
		assert.True(t, ev.External)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not publish the external write")
	}

	cancel()
	assert.NoError(t, <-done)
}
