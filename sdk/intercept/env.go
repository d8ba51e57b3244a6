package intercept

import (
	"os"
	"sync"

	"github.com/Finesssee/ccswitch/internal/channel"
	log "github.com/sirupsen/logrus"
)

var proxyEnvKeys = []string{"HTTPS_PROXY", "HTTP_PROXY", "https_proxy", "http_proxy"}

// envMirror publishes the upstream proxy into the standard proxy variables so
// libraries that read them follow the same route. It only clears values it
// set itself.
type envMirror struct {
	mu    sync.Mutex
	owned map[string]string
}

func newEnvMirror() *envMirror {
	return &envMirror{owned: make(map[string]string)}
}

func (e *envMirror) apply(st *State) {
	if st == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	want := ""
	proxyCfg := st.Settings.UpstreamProxy
	if st.Active && st.Channel.UsesUpstreamProxy(proxyCfg) {
		if u, err := proxyCfg.ProxyURL(); err == nil && u != nil {
			want = u.String()
		} else if err != nil {
			log.Warnf("intercept: upstream proxy url unusable: %v", err)
		}
	}

	for _, key := range proxyEnvKeys {
		current, present := os.LookupEnv(key)
		if want != "" {
			if current != want {
				_ = os.Setenv(key, want)
			}
			e.owned[key] = want
			continue
		}
		if set, ok := e.owned[key]; ok {
			if present && current == set {
				_ = os.Unsetenv(key)
			}
			delete(e.owned, key)
		}
	}
	if want != "" {
		log.Debugf("intercept: proxy environment set to %s", redactProxy(proxyCfg))
	}
}

func redactProxy(cfg channel.UpstreamProxyConfig) string {
	if cfg.Auth == nil || cfg.Auth.Username == "" {
		return cfg.URL
	}
	return cfg.URL + " (as " + cfg.Auth.Username + ")"
}
