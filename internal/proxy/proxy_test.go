package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/config"
	apperrors "github.com/Finesssee/ccswitch/internal/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenRequest struct {
	Host   string
	Path   string
	Query  string
	Header http.Header
}

type recordingUpstream struct {
	*httptest.Server
	mu   sync.Mutex
	seen []seenRequest
}

func newRecordingUpstream(t *testing.T, handler http.HandlerFunc) *recordingUpstream {
	t.Helper()
	u := &recordingUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.seen = append(u.seen, seenRequest{Host: r.Host, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone()})
		u.mu.Unlock()
		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *recordingUpstream) last(t *testing.T) seenRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.seen, "upstream was not called")
	return u.seen[len(u.seen)-1]
}

func settingsFixture(relayURL string) string {
	return fmt.Sprintf(`{
  "providers": [
    {"id": "official", "type": "official", "activeAccountId": "u-alice", "accounts": [
      {"accountUuid": "u-alice", "emailAddress": "alice@example.com", "organizationUuid": "org-a"},
      {"accountUuid": "u-bob", "emailAddress": "bob@example.com", "capturedAuthorization": "tok-bob"}
    ]},
    {"id": "relay", "type": "third_party", "activeAccountId": "k1", "accounts": [
      {"id": "k1", "name": "relay", "apiKey": "sk-relay", "baseUrl": %q}
    ]}
  ],
  "activeProviderId": "official"
}`, relayURL)
}

func newTestProxy(t *testing.T, officialURL, settings string) (*Server, *channel.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "settings.json")
	if settings != "" {
		require.NoError(t, os.WriteFile(path, []byte(settings), 0o600))
	}
	registry := channel.NewRegistry(channel.NewStore(path))

	cfg := config.Default()
	cfg.OfficialBaseURL = officialURL
	metrics := false
	cfg.Metrics = &metrics
	cfg.SettingsFile = path

	srv, err := NewServer(cfg, registry)
	require.NoError(t, err)
	t.Cleanup(srv.forwarder.Close)
	return srv, registry
}

func doRequest(srv *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(`{"model":"m"}`))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeAppError(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Type  string `json:"type"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	assert.Equal(t, "error", env.Type)
	return env.Error.Code
}

func TestProxy_NoActiveChannel(t *testing.T) {
	srv, _ := newTestProxy(t, "https://api.example.com", "")
	rec := doRequest(srv, http.MethodPost, "/v1/messages", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.CodeNoActiveChannel, decodeAppError(t, rec.Body.Bytes()))
}

func TestProxy_PreflightAnsweredLocally(t *testing.T) {
	srv, _ := newTestProxy(t, "https://api.example.com", "")
	rec := doRequest(srv, http.MethodOptions, "/v1/messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestProxy_ThirdPartyRouting(t *testing.T) {
	relay := newRecordingUpstream(t, nil)
	srv, registry := newTestProxy(t, "https://api.example.com", settingsFixture(relay.URL+"/api"))
	require.NoError(t, registry.SetActiveProvider("relay"))

	rec := doRequest(srv, http.MethodPost, "/v1/messages?beta=true", map[string]string{
		"Authorization":     "Bearer official-token",
		"x-api-key":         "official-key",
		"Connection":        "close, X-Hop",
		"X-Hop":             "secret",
		"Anthropic-Version": "2023-06-01",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	got := relay.last(t)
	assert.Equal(t, "/api/v1/messages", got.Path)
	assert.Equal(t, "beta=true", got.Query)
	assert.Equal(t, "Bearer sk-relay", got.Header.Get("Authorization"))
	assert.Equal(t, "sk-relay", got.Header.Get("X-Api-Key"))
	assert.Equal(t, "2023-06-01", got.Header.Get("Anthropic-Version"))
	assert.Empty(t, got.Header.Get("X-Hop"))
	assert.Empty(t, got.Header.Get("X-Account-Uuid"))
}

func TestProxy_CapturesAndReusesOfficialToken(t *testing.T) {
	official := newRecordingUpstream(t, nil)
	srv, registry := newTestProxy(t, official.URL, settingsFixture("https://relay.invalid"))

	rec := doRequest(srv, http.MethodPost, "/v1/messages", map[string]string{"Authorization": "Bearer abc123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Bearer abc123", official.last(t).Header.Get("Authorization"))

	ch, ok := registry.ActiveChannel()
	require.True(t, ok)
	assert.Equal(t, "abc123", ch.Account.CapturedAuthorization)

	rec = doRequest(srv, http.MethodPost, "/v1/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer abc123", official.last(t).Header.Get("Authorization"))
}

func TestProxy_OfficialWithoutTokenSendsIdentifyingHeaders(t *testing.T) {
	official := newRecordingUpstream(t, nil)
	srv, _ := newTestProxy(t, official.URL, settingsFixture("https://relay.invalid"))

	rec := doRequest(srv, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := official.last(t)
	assert.Empty(t, got.Header.Get("Authorization"))
	assert.Equal(t, "u-alice", got.Header.Get("X-Account-Uuid"))
	assert.Equal(t, "org-a", got.Header.Get("X-Organization-Uuid"))
}

func TestProxy_ConflictingTokenNotAssigned(t *testing.T) {
	official := newRecordingUpstream(t, nil)
	srv, registry := newTestProxy(t, official.URL, settingsFixture("https://relay.invalid"))

	rec := doRequest(srv, http.MethodPost, "/v1/messages", map[string]string{"Authorization": "Bearer tok-bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	ch, _ := registry.ActiveChannel()
	assert.Empty(t, ch.Account.CapturedAuthorization, "alice must not inherit bob's token")
	assert.Empty(t, official.last(t).Header.Get("Authorization"))

	snap := registry.Snapshot()
	assert.Equal(t, "tok-bob", snap.Providers[0].Accounts[1].CapturedAuthorization)
}

func TestProxy_SwitchRoundTrip(t *testing.T) {
	official := newRecordingUpstream(t, nil)
	relay := newRecordingUpstream(t, nil)
	srv, registry := newTestProxy(t, official.URL, settingsFixture(relay.URL))

	officialHost := strings.TrimPrefix(official.URL, "http://")
	relayHost := strings.TrimPrefix(relay.URL, "http://")

	header := map[string]string{"Authorization": "Bearer abc123"}
	require.Equal(t, http.StatusOK, doRequest(srv, http.MethodPost, "/v1/messages", header).Code)
	assert.Equal(t, officialHost, official.last(t).Host)

	require.NoError(t, registry.SetActiveProvider("relay"))
	require.Equal(t, http.StatusOK, doRequest(srv, http.MethodPost, "/v1/messages", header).Code)
	got := relay.last(t)
	assert.Equal(t, relayHost, got.Host)
	assert.Equal(t, "Bearer sk-relay", got.Header.Get("Authorization"))

	require.NoError(t, registry.SetActiveProvider("official"))
	require.Equal(t, http.StatusOK, doRequest(srv, http.MethodPost, "/v1/messages", nil).Code)
	got = official.last(t)
	assert.Equal(t, officialHost, got.Host)
	assert.Equal(t, "Bearer abc123", got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("X-Api-Key"))
}

func TestProxy_StreamsEventStream(t *testing.T) {
	relay := newRecordingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "event: ping\ndata: %d\n\n", i)
			flusher.Flush()
		}
	})
	srv, registry := newTestProxy(t, "https://api.example.com", settingsFixture(relay.URL))
	require.NoError(t, registry.SetActiveProvider("relay"))

	rec := doRequest(srv, http.MethodPost, "/v1/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: ping\ndata: 0\n\nevent: ping\ndata: 1\n\nevent: ping\ndata: 2\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestProxy_UpstreamRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv, registry := newTestProxy(t, "https://api.example.com", settingsFixture("http://"+addr))
	require.NoError(t, registry.SetActiveProvider("relay"))

	rec := doRequest(srv, http.MethodPost, "/v1/messages", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apperrors.CodeUpstreamRefused, decodeAppError(t, rec.Body.Bytes()))
}

func TestProxy_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	relay := newRecordingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(settingsFixture(relay.URL)), 0o600))
	registry := channel.NewRegistry(channel.NewStore(path))
	require.NoError(t, registry.SetActiveProvider("relay"))

	cfg := config.Default()
	cfg.RequestTimeoutSeconds = 1
	srv, err := NewServer(cfg, registry)
	require.NoError(t, err)
	defer srv.forwarder.Close()

	rec := doRequest(srv, http.MethodPost, "/v1/messages", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, apperrors.CodeUpstreamTimeout, decodeAppError(t, rec.Body.Bytes()))
}

func TestProxy_InvalidThirdPartyBaseURL(t *testing.T) {
	srv, registry := newTestProxy(t, "https://api.example.com", settingsFixture("not a url"))
	require.NoError(t, registry.SetActiveProvider("relay"))

	rec := doRequest(srv, http.MethodPost, "/v1/messages", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.CodeNoActiveChannel, decodeAppError(t, rec.Body.Bytes()))
}

func TestProxy_Healthz(t *testing.T) {
	srv, _ := newTestProxy(t, "https://api.example.com", settingsFixture("https://relay.invalid"))
	rec := doRequest(srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Active struct {
			Provider string `json:"provider"`
			Account  string `json:"account"`
		} `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "official", body.Active.Provider)
	assert.Equal(t, "alice@example.com", body.Active.Account)
}

func TestProxy_ConcurrentSwitchingNeverTears(t *testing.T) {
	official := newRecordingUpstream(t, nil)
	relay := newRecordingUpstream(t, nil)
	srv, registry := newTestProxy(t, official.URL, settingsFixture(relay.URL))
	_, err := registry.RecordCapturedAuthorization("alice@example.com", "abc123")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25 && ctx.Err() == nil; j++ {
				rec := doRequest(srv, http.MethodPost, "/v1/messages", nil)
				assert.Equal(t, http.StatusOK, rec.Code)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			require.NoError(t, registry.SetActiveProvider("relay"))
		} else {
			require.NoError(t, registry.SetActiveProvider("official"))
		}
	}
	wg.Wait()

	for _, r := range official.seen {
		assert.Equal(t, "Bearer abc123", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Api-Key"))
	}
	for _, r := range relay.seen {
		assert.Equal(t, "Bearer sk-relay", r.Header.Get("Authorization"))
		assert.Equal(t, "sk-relay", r.Header.Get("X-Api-Key"))
	}
}
