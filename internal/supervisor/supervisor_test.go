package supervisor

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Finesssee/ccswitch/internal/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("pty tests need a unix shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func newShellSupervisor(t *testing.T, mutate func(*config.SupervisorConfig)) *Supervisor {
	t.Helper()
	cfg := config.SupervisorConfig{
		Executable:     "/bin/sh",
		ExitLine:       "/exit\r",
		GracePeriodMS:  200,
		ReadyTimeoutMS: 5000,
		HistoryLines:   100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := New(Options{
		Config:       cfg,
		ProxyBaseURL: "http://127.0.0.1:31299",
		SettingsPath: "/tmp/ccswitch-settings.json",
		Shell:        &ShellPath{Shell: "/bin/sh", Timeout: time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Stop() })
	return sup
}

func watchClosed(sup *Supervisor) <-chan ClosedEvent {
	ch := make(chan ClosedEvent, 1)
	sup.OnClosed(func(ev ClosedEvent) { ch <- ev })
	return ch
}

func watchReady(sup *Supervisor) <-chan ReadyEvent {
	ch := make(chan ReadyEvent, 4)
	sup.OnReady(func(ev ReadyEvent) { ch <- ev })
	return ch
}

func TestSupervisor_ReadyFromSessionMarker(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, nil)
	ready := watchReady(sup)

	require.NoError(t, sup.Start(context.Background(), t.TempDir(), []string{"-c", "echo 'Session ID: abc12345'; sleep 5"}))

	select {
	case ev := <-ready:
		assert.Equal(t, "abc12345", ev.SessionID)
		assert.False(t, ev.TimedOut)
	case <-time.After(5 * time.Second):
		t.Fatal("no ready event")
	}
	assert.Equal(t, StateReady, sup.State())
	assert.Equal(t, "abc12345", sup.SessionID())
}

func TestSupervisor_SecondStartDoesNotSpawn(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, nil)
	dir := t.TempDir()

	require.NoError(t, sup.Start(context.Background(), dir, []string{"-c", "sleep 5"}))
	sup.mu.Lock()
	first := sup.proc
	sup.mu.Unlock()
	require.NotNil(t, first)

	require.NoError(t, sup.Start(context.Background(), dir, []string{"-c", "sleep 5"}))
	sup.mu.Lock()
	second := sup.proc
	sup.mu.Unlock()
	assert.Same(t, first, second)
}

func TestSupervisor_StopWithNothingRunning(t *testing.T) {
	sup, err := New(Options{})
	require.NoError(t, err)

	start := time.Now()
	assert.NoError(t, sup.Stop())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StateIdle, sup.State())
}

func TestSupervisor_StopKillsAfterGrace(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, nil)
	closed := watchClosed(sup)

	require.NoError(t, sup.Start(context.Background(), t.TempDir(), []string{"-c", "exec sleep 30"}))
	require.NoError(t, sup.Stop())

	select {
	case ev := <-closed:
		assert.False(t, ev.Error, "a requested stop is not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("no closed event")
	}
	assert.Equal(t, StateStopped, sup.State())
	assert.ErrorIs(t, sup.Write("x"), ErrNotRunning)
}

func TestSupervisor_FallbackTimerSynthesizesSession(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, func(c *config.SupervisorConfig) { c.ReadyTimeoutMS = 100 })
	ready := watchReady(sup)

	require.NoError(t, sup.Start(context.Background(), t.TempDir(), []string{"-c", "sleep 5"}))
	select {
	case ev := <-ready:
		assert.True(t, ev.TimedOut)
		_, err := uuid.Parse(ev.SessionID)
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fallback timer never fired")
	}
	assert.Equal(t, StateTimedOut, sup.State())
}

func TestSupervisor_ReadyPattern(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, func(c *config.SupervisorConfig) { c.ReadyPatterns = []string{`prompt>`} })
	ready := watchReady(sup)

	require.NoError(t, sup.Start(context.Background(), t.TempDir(), []string{"-c", "printf 'prompt> '; sleep 5"}))
	select {
	case ev := <-ready:
		assert.False(t, ev.TimedOut)
		assert.NotEmpty(t, ev.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no ready event")
	}
}

func TestSupervisor_AbnormalExit(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, nil)
	closed := watchClosed(sup)

	require.NoError(t, sup.Start(context.Background(), t.TempDir(), []string{"-c", "exit 3"}))
	select {
	case ev := <-closed:
		assert.True(t, ev.Error)
		assert.True(t, errors.Is(ev.Cause, ErrNonZeroExit))
	case <-time.After(5 * time.Second):
		t.Fatal("no closed event")
	}
}

func TestSupervisor_ChildEnvironment(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, nil)
	closed := watchClosed(sup)
	dir := t.TempDir()

	script := `echo "wd=$CCSWITCH_WORKDIR base=$ANTHROPIC_BASE_URL icpt=$CCSWITCH_INTERCEPT"`
	require.NoError(t, sup.Start(context.Background(), dir, []string{"-c", script}))
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("no closed event")
	}

	out := sup.Scrollback().String()
	assert.Contains(t, out, "wd="+dir)
	assert.Contains(t, out, "base=http://127.0.0.1:31299")
	assert.Contains(t, out, "icpt=1")
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, nil)
	closed := watchClosed(sup)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sup.Start(ctx, t.TempDir(), []string{"-c", "exec sleep 30"}))
	cancel()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the assistant")
	}
}

func TestSupervisor_InvalidWorkDir(t *testing.T) {
	requireShell(t)
	sup := newShellSupervisor(t, nil)
	err := sup.Start(context.Background(), "/definitely/not/here", nil)
	assert.ErrorIs(t, err, ErrInvalidWorkDir)
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisor_Resize(t *testing.T) {
	sup, err := New(Options{})
	require.NoError(t, err)
	assert.Error(t, sup.Resize(0, 10))
	assert.NoError(t, sup.Resize(120, 40), "size is remembered while idle")
}

func TestBuildEnv(t *testing.T) {
	base := []string{"HOME=/home/u", "PATH=/usr/bin", "ANTHROPIC_BASE_URL=https://elsewhere", "TERM=screen"}
	env := BuildEnv(base, Launch{
		WorkDir:      "/work",
		PathEnv:      "/opt/bin:/usr/bin",
		ProxyBaseURL: "http://127.0.0.1:31299",
		SettingsPath: "/s.json",
	})

	assert.Equal(t, "/opt/bin:/usr/bin", envValue(env, "PATH"))
	assert.Equal(t, "/work", envValue(env, EnvWorkDir))
	assert.Equal(t, "http://127.0.0.1:31299", envValue(env, EnvBaseURL))
	assert.Equal(t, "/s.json", envValue(env, EnvSettings))
	assert.Equal(t, "1", envValue(env, EnvIntercept))
	assert.Equal(t, "screen", envValue(env, "TERM"))
	assert.Equal(t, "HOME=/home/u", env[0])

	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuildArgv(t *testing.T) {
	argv := BuildArgv([]string{"node", "--require", "/opt/interceptor.js", " "}, "/usr/bin/claude", []string{"--resume"})
	assert.Equal(t, []string{"node", "--require", "/opt/interceptor.js", "/usr/bin/claude", "--resume"}, argv)
	assert.Equal(t, []string{"/usr/bin/claude"}, BuildArgv(nil, "/usr/bin/claude", nil))
}

func TestMergePathLists(t *testing.T) {
	sep := string(os.PathListSeparator)
	got := mergePathLists("/a"+sep+"/b", "/b"+sep+"/c"+sep)
	assert.Equal(t, "/a"+sep+"/b"+sep+"/c", got)
}
