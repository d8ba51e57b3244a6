// Package intercept rewrites a process's own outbound API calls according to
// the shared ccswitch settings file. It is the second routing path next to
// the local proxy and covers code that ignores the proxy base URL.
//
// Go programs opt in with a blank import of sdk/intercept/preload, or by
// calling Install, WrapTransport or WrapClient directly.
//
// The upstream proxy is also published in HTTPS_PROXY and HTTP_PROXY for
// child processes and libraries that read the environment on every call.
// net/http caches those variables on first use, so Install routes the default
// transport's proxy choice through Interceptor.Proxy instead. Transports
// passed to WrapTransport keep their own Proxy setting.
package intercept

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/config"
	"github.com/Finesssee/ccswitch/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpproxy"
)

// Environment variables read by OptionsFromEnv.
const (
	EnvEnable          = "CCSWITCH_INTERCEPT"
	EnvSettings        = "CCSWITCH_SETTINGS"
	EnvOfficialBaseURL = "CCSWITCH_OFFICIAL_BASE_URL"
	EnvRefreshSeconds  = "CCSWITCH_REFRESH_SECONDS"
	EnvWatch           = "CCSWITCH_WATCH"
)

// Options configures an Interceptor.
type Options struct {
	SettingsPath    string
	OfficialBaseURL string
	RefreshInterval time.Duration
	Watch           bool
}

// OptionsFromEnv builds options from the environment the supervisor sets.
func OptionsFromEnv() Options {
	opts := Options{
		SettingsPath:    os.Getenv(EnvSettings),
		OfficialBaseURL: os.Getenv(EnvOfficialBaseURL),
		Watch:           true,
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(EnvRefreshSeconds))); err == nil && v > 0 {
		opts.RefreshInterval = time.Duration(v) * time.Second
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvWatch))); err == nil {
		opts.Watch = v
	}
	return opts
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.SettingsPath) == "" {
		o.SettingsPath = config.DefaultSettingsPath()
	}
	o.SettingsPath = config.ExpandPath(o.SettingsPath)
	if strings.TrimSpace(o.OfficialBaseURL) == "" {
		o.OfficialBaseURL = config.DefaultOfficialBaseURL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = config.DefaultRefreshIntervalSeconds * time.Second
	}
	return o
}

// Interceptor is the strategy shared by every wrapped entry point.
type Interceptor struct {
	opts   Options
	store  *channel.Store
	mirror *Mirror
	env    *envMirror
	cancel context.CancelFunc

	// envProxy is the proxy environment as it was before the env mirror
	// touched it.
	envProxy func(*url.URL) (*url.URL, error)
}

// New creates an interceptor. It does not patch anything; see Install.
func New(opts Options) *Interceptor {
	opts = opts.withDefaults()
	officialHost := "api.anthropic.com"
	if u, err := url.Parse(opts.OfficialBaseURL); err == nil && u.Hostname() != "" {
		officialHost = u.Hostname()
	}
	store := channel.NewStore(opts.SettingsPath)
	i := &Interceptor{
		opts:   opts,
		store:  store,
		mirror: NewMirror(store, officialHost, opts.RefreshInterval),
		env:    newEnvMirror(),

		envProxy: httpproxy.FromEnvironment().ProxyFunc(),
	}
	i.mirror.onChange = func(_, next *State) { i.env.apply(next) }
	return i
}

// Start loads the settings and, when enabled, watches them until ctx is done
// or Close is called.
func (i *Interceptor) Start(ctx context.Context) {
	i.mirror.Refresh()
	if !i.opts.Watch {
		return
	}
	ctx, i.cancel = context.WithCancel(ctx)
	go func() {
		if err := i.mirror.Watch(ctx); err != nil {
			log.Debugf("intercept: settings watch unavailable, falling back to interval refresh: %v", err)
		}
	}()
}

// Close stops the settings watch.
func (i *Interceptor) Close() {
	if i.cancel != nil {
		i.cancel()
	}
}

// Proxy chooses the proxy for req from the current settings: the upstream
// proxy when the active provider uses it, else the proxy environment the
// process started with. Install sets it on the default transport, because
// net/http reads the proxy variables only once and never sees the values the
// env mirror publishes later.
func (i *Interceptor) Proxy(req *http.Request) (*url.URL, error) {
	if st := i.mirror.Current(); st != nil && st.Active {
		proxyCfg := st.Settings.UpstreamProxy
		if st.Channel.UsesUpstreamProxy(proxyCfg) {
			return proxyCfg.ProxyURL()
		}
	}
	return i.envProxy(req.URL)
}

// Mirror exposes the settings mirror.
func (i *Interceptor) Mirror() *Mirror {
	return i.mirror
}

// Intercept returns call rewritten for the current channel. Any panic while
// inspecting the call is recovered and the call is returned unchanged.
func (i *Interceptor) Intercept(call Call) Call {
	out, _ := i.intercept(call)
	return out
}

func (i *Interceptor) intercept(call Call) (out Call, decision Decision) {
	out = call
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("intercept: recovered while rewriting %s %s: %v", call.Method, safeURL(call.URL), r)
			out, decision = call, Decision{}
		}
	}()

	st := i.mirror.Current()
	out, decision = Rewrite(st, call)
	if decision.Skipped != "" {
		log.Warnf("intercept: left %s unchanged: %s", safeURL(call.URL), decision.Skipped)
	}
	if decision.CaptureToken != "" {
		i.capture(decision.CaptureEmail, decision.CaptureToken)
	}
	if decision.Action == ActionRedirected {
		log.Debugf("intercept: %s %s -> %s", call.Method, safeURL(call.URL), safeURL(out.URL))
	}
	return out, decision
}

// capture records token on the account owning email, directly in the file.
func (i *Interceptor) capture(email, token string) {
	var result channel.CaptureResult
	var owner string
	_, err := i.store.Update(func(s *channel.Settings) (bool, error) {
		result, owner = channel.ApplyCapture(s, email, token)
		return result == channel.CaptureApplied, nil
	})
	switch {
	case err != nil:
		log.Warnf("intercept: could not persist captured authorization for %s: %v", email, err)
	case result == channel.CaptureRejectedConflict:
		log.Warnf("intercept: authorization %s already belongs to %s, not assigned to %s", util.MaskSecret(token), owner, email)
	case result == channel.CaptureApplied:
		log.Infof("intercept: captured authorization for %s", email)
		i.mirror.Refresh()
	}
}

func safeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	c.RawQuery = util.MaskSensitiveQuery(c.RawQuery)
	return c.String()
}
