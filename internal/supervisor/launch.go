package supervisor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Environment variables set on the assistant process.
const (
	EnvWorkDir      = "CCSWITCH_WORKDIR"
	EnvBaseURL      = "ANTHROPIC_BASE_URL"
	EnvSettings     = "CCSWITCH_SETTINGS"
	EnvIntercept    = "CCSWITCH_INTERCEPT"
	EnvOfficialBase = "CCSWITCH_OFFICIAL_BASE_URL"
)

// Launch carries what the child environment is built from.
type Launch struct {
	WorkDir         string
	PathEnv         string
	ProxyBaseURL    string
	SettingsPath    string
	OfficialBaseURL string
}

// BuildEnv merges base (usually os.Environ()) with the variables the
// assistant and the interceptor preload need. Later keys win; the original
// ordering of base is kept.
func BuildEnv(base []string, l Launch) []string {
	overrides := []string{
		"PATH=" + l.PathEnv,
		EnvWorkDir + "=" + l.WorkDir,
		EnvIntercept + "=1",
	}
	if l.ProxyBaseURL != "" {
		overrides = append(overrides, EnvBaseURL+"="+l.ProxyBaseURL)
	}
	if l.SettingsPath != "" {
		overrides = append(overrides, EnvSettings+"="+l.SettingsPath)
	}
	if l.OfficialBaseURL != "" {
		overrides = append(overrides, EnvOfficialBase+"="+l.OfficialBaseURL)
	}
	if envValue(base, "TERM") == "" {
		overrides = append(overrides, "TERM=xterm-256color")
	}

	index := make(map[string]int, len(base)+len(overrides))
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range append(append([]string{}, base...), overrides...) {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if runtime.GOOS == "windows" {
			key = strings.ToUpper(key)
		}
		if i, seen := index[key]; seen {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}

func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}

// BuildArgv places the preload prefix before the executable and its args.
// An empty prefix runs the executable directly.
func BuildArgv(preload []string, executable string, args []string) []string {
	argv := make([]string, 0, len(preload)+1+len(args))
	for _, p := range preload {
		if p = strings.TrimSpace(p); p != "" {
			argv = append(argv, p)
		}
	}
	argv = append(argv, executable)
	return append(argv, args...)
}

// ShellPath resolves the PATH a login shell would see, which is usually
// richer than the PATH a GUI-launched or service host inherits.
type ShellPath struct {
	Shell   string
	Timeout time.Duration

	once  sync.Once
	value string
}

const pathMarker = "__CCSWITCH_PATH__"

// Resolve returns the login-shell PATH merged with the current one, computing
// it at most once.
func (p *ShellPath) Resolve(ctx context.Context) string {
	p.once.Do(func() {
		p.value = mergePathLists(p.query(ctx), os.Getenv("PATH"))
	})
	return p.value
}

func (p *ShellPath) query(ctx context.Context) string {
	if runtime.GOOS == "windows" {
		return ""
	}
	shell := strings.TrimSpace(p.Shell)
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-lc", `printf '%s%s%s' "`+pathMarker+`" "$PATH" "`+pathMarker+`"`)
	out, err := cmd.Output()
	if err != nil {
		log.Debugf("supervisor: login shell PATH unavailable from %s: %v", shell, err)
		return ""
	}
	start := bytes.Index(out, []byte(pathMarker))
	end := bytes.LastIndex(out, []byte(pathMarker))
	if start < 0 || end <= start {
		return ""
	}
	return string(out[start+len(pathMarker) : end])
}

func mergePathLists(lists ...string) string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, list := range lists {
		for _, dir := range filepath.SplitList(list) {
			if dir == "" {
				continue
			}
			if _, ok := seen[dir]; ok {
				continue
			}
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
	}
	return strings.Join(dirs, string(os.PathListSeparator))
}
