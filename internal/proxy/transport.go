package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Finesssee/ccswitch/internal/channel"
	log "github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
)

// transportCache hands out one direct transport and one transport per
// upstream proxy config. The proxied transport is dropped when the config
// changes so idle connections through the old proxy are not reused.
type transportCache struct {
	mu       sync.Mutex
	direct   *http.Transport
	proxied  *http.Transport
	proxyKey string
}

func newTransportCache() *transportCache {
	return &transportCache{direct: newBaseTransport()}
}

func newBaseTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// For returns the transport to use for a call. useProxy is the provider's
// opt-in; the config decides whether a proxy is actually configured.
func (tc *transportCache) For(useProxy bool, cfg channel.UpstreamProxyConfig) (http.RoundTripper, error) {
	if !useProxy || !cfg.Active() {
		return tc.direct, nil
	}
	key := proxyCacheKey(cfg)

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.proxied != nil && tc.proxyKey == key {
		return tc.proxied, nil
	}
	t, err := buildProxiedTransport(cfg)
	if err != nil {
		return nil, err
	}
	if tc.proxied != nil {
		tc.proxied.CloseIdleConnections()
	}
	tc.proxied, tc.proxyKey = t, key
	return t, nil
}

// Invalidate drops the proxied transport.
func (tc *transportCache) Invalidate() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.proxied != nil {
		tc.proxied.CloseIdleConnections()
		log.Debug("upstream proxy transport invalidated")
	}
	tc.proxied, tc.proxyKey = nil, ""
}

func proxyCacheKey(cfg channel.UpstreamProxyConfig) string {
	key := cfg.URL
	if cfg.Auth != nil {
		key += "|" + cfg.Auth.Username + ":" + cfg.Auth.Password
	}
	return key
}

func buildProxiedTransport(cfg channel.UpstreamProxyConfig) (*http.Transport, error) {
	u, err := cfg.ProxyURL()
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy url: %w", err)
	}
	t := newBaseTransport()
	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		base := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		dialer, errDialer := xproxy.FromURL(u, base)
		if errDialer != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", errDialer)
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
	return t, nil
}
