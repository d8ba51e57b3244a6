// Package supervisor runs the coding assistant inside a pseudo-terminal with
// the interceptor preloaded and the environment pointed at the local proxy.
// It relays terminal I/O to subscribers and owns the child's lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/config"
	"github.com/creack/pty"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidWorkDir is returned by Start for a missing or inaccessible directory.
	ErrInvalidWorkDir = errors.New("invalid working directory")
	// ErrNotRunning is returned by Write when no assistant is running.
	ErrNotRunning = errors.New("assistant not running")
)

// State is the lifecycle position of the supervised process.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateReady
	StateTimedOut
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateTimedOut:
		return "timed_out"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options wires a Supervisor to its collaborators.
type Options struct {
	Config          config.SupervisorConfig
	ProxyBaseURL    string
	SettingsPath    string
	OfficialBaseURL string

	// Registry supplies the active channel for the startup banner. Optional.
	Registry channel.Service
	// BannerOut receives the startup banner. nil disables it.
	BannerOut io.Writer

	Locator Locator
	Shell   *ShellPath
}

// Supervisor owns at most one assistant process at a time.
type Supervisor struct {
	opts       Options
	patterns   []*regexp.Regexp
	scrollback *Scrollback

	// opMu serializes Start and Stop.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	proc      *process
	sessionID string
	size      *pty.Winsize

	// outMu orders scrollback writes against Attach so replay and live data
	// never overlap or leave a gap.
	outMu  sync.Mutex
	data   hub[string]
	ready  hub[ReadyEvent]
	closed hub[ClosedEvent]
}

type process struct {
	cmd        *exec.Cmd
	ptmx       *os.File
	detector   readiness
	readyTimer *time.Timer
	confirmed  atomic.Bool
	stopping   atomic.Bool
	outputDone chan struct{}
	done       chan struct{}
}

// New validates the configuration and returns an idle supervisor.
func New(opts Options) (*Supervisor, error) {
	patterns, err := compilePatterns(opts.Config.ReadyPatterns)
	if err != nil {
		return nil, err
	}
	if opts.Locator == nil {
		opts.Locator = NewLocator(opts.Config.Executable)
	}
	if opts.Shell == nil {
		opts.Shell = &ShellPath{}
	}
	if opts.Config.ReadyTimeoutMS <= 0 {
		opts.Config.ReadyTimeoutMS = 8000
	}
	if opts.Config.ExitLine == "" {
		opts.Config.ExitLine = "/exit\r"
	}
	return &Supervisor{
		opts:       opts,
		patterns:   patterns,
		scrollback: NewScrollback(opts.Config.HistoryLines),
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the detected or synthesized session id of the current
// run, empty before readiness.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Scrollback exposes recent output.
func (s *Supervisor) Scrollback() *Scrollback {
	return s.scrollback
}

// OnData subscribes to raw terminal output chunks.
func (s *Supervisor) OnData(fn func(chunk string)) (unsubscribe func()) {
	return s.data.subscribe(fn)
}

// OnReady subscribes to readiness, which fires once per run (and again if a
// real session id shows up after the fallback timer fired).
func (s *Supervisor) OnReady(fn func(ReadyEvent)) (unsubscribe func()) {
	return s.ready.subscribe(fn)
}

// OnClosed subscribes to process exit.
func (s *Supervisor) OnClosed(fn func(ClosedEvent)) (unsubscribe func()) {
	return s.closed.subscribe(fn)
}

// Attach hands fn the buffered output as one chunk, then every chunk after
// it, with nothing lost or repeated in between.
func (s *Supervisor) Attach(fn func(chunk string)) (unsubscribe func()) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if replay := s.scrollback.String(); replay != "" {
		fn(replay)
	}
	return s.data.subscribe(fn)
}

// Start launches the assistant in workDir with args. Calling Start while a
// process is starting or running does nothing. The process is stopped when
// ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context, workDir string, args []string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.proc != nil {
		state := s.state
		s.mu.Unlock()
		log.Debugf("supervisor: start ignored, assistant is %s", state)
		return nil
	}
	s.state = StateStarting
	s.sessionID = ""
	size := s.size
	s.mu.Unlock()
	log.Debug("supervisor: idle -> starting")

	s.scrollback.Reset()
	p, err := s.spawn(ctx, workDir, args, size)
	if err != nil {
		s.setState(StateStopped)
		log.Errorf("supervisor: start failed: %v", err)
		return err
	}

	s.mu.Lock()
	s.proc = p
	s.state = StateRunning
	p.readyTimer = time.AfterFunc(s.opts.Config.ReadyTimeout(), func() {
		s.markReady(p, uuid.NewString(), true)
	})
	s.mu.Unlock()
	log.Infof("supervisor: starting -> running (pid %d)", p.cmd.Process.Pid)

	go s.captureOutput(p)
	go s.waitForExit(p)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.opMu.Lock()
				defer s.opMu.Unlock()
				if err := s.stop(p); err != nil {
					log.Warnf("supervisor: stop on cancel: %v", err)
				}
			case <-p.done:
			}
		}()
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, workDir string, args []string, size *pty.Winsize) (*process, error) {
	dir, err := checkWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	pathEnv := s.opts.Shell.Resolve(ctx)
	exe, err := s.opts.Locator.Locate(pathEnv)
	if err != nil {
		return nil, err
	}
	argv := BuildArgv(s.opts.Config.Preload, exe, args)
	if resolved, ok := lookPathIn(argv[0], pathEnv); ok {
		argv[0] = resolved
	}

	s.printBanner()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = BuildEnv(os.Environ(), Launch{
		WorkDir:         dir,
		PathEnv:         pathEnv,
		ProxyBaseURL:    s.opts.ProxyBaseURL,
		SettingsPath:    s.opts.SettingsPath,
		OfficialBaseURL: s.opts.OfficialBaseURL,
	})
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], ClassifyExit(err))
	}
	log.WithFields(log.Fields{"argv": argv, "dir": dir}).Debug("supervisor: spawned assistant")

	p := &process{
		cmd:        cmd,
		ptmx:       ptmx,
		detector:   readiness{patterns: s.patterns},
		outputDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	return p, nil
}

func (s *Supervisor) printBanner() {
	if s.opts.BannerOut == nil {
		return
	}
	var (
		ch channel.Channel
		ok bool
	)
	if s.opts.Registry != nil {
		ch, ok = s.opts.Registry.ActiveChannel()
	}
	fmt.Fprintln(s.opts.BannerOut, RenderBanner(ch, ok, s.opts.ProxyBaseURL))
}

func (s *Supervisor) captureOutput(p *process) {
	defer close(p.outputDone)

	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			data, carry = splitIncompleteUTF8(data)
			carry = append([]byte(nil), carry...)
			if len(data) > 0 {
				s.publish(p, sanitizeUTF8(string(data)))
			}
		}
		if err != nil {
			if len(carry) > 0 {
				s.publish(p, sanitizeUTF8(string(carry)))
			}
			return
		}
	}
}

func (s *Supervisor) publish(p *process, chunk string) {
	s.outMu.Lock()
	s.scrollback.Write(chunk)
	s.data.emit(chunk)
	s.outMu.Unlock()

	if p.confirmed.Load() {
		return
	}
	if id, ok := p.detector.feed(chunk); ok {
		if id == "" {
			id = uuid.NewString()
		}
		s.markReady(p, id, false)
	}
}

func (s *Supervisor) markReady(p *process, id string, timedOut bool) {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	switch {
	case s.state == StateRunning:
	case s.state == StateTimedOut && !timedOut:
	default:
		s.mu.Unlock()
		return
	}
	p.readyTimer.Stop()
	if !timedOut {
		p.confirmed.Store(true)
	}
	from := s.state
	s.state = StateReady
	if timedOut {
		s.state = StateTimedOut
	}
	s.sessionID = id
	to := s.state
	s.mu.Unlock()

	if timedOut {
		log.Warnf("supervisor: no readiness marker within %s, using session %s", s.opts.Config.ReadyTimeout(), id)
	}
	log.Infof("supervisor: %s -> %s (session %s)", from, to, id)
	s.ready.emit(ReadyEvent{SessionID: id, TimedOut: timedOut})
}

func (s *Supervisor) waitForExit(p *process) {
	waitErr := p.cmd.Wait()

	// Grandchildren can keep the terminal open; don't wait on them forever.
	select {
	case <-p.outputDone:
	case <-time.After(2 * time.Second):
	}
	_ = p.ptmx.Close()
	select {
	case <-p.outputDone:
	case <-time.After(time.Second):
		log.Debug("supervisor: terminal reader still blocked after close")
	}

	s.mu.Lock()
	p.readyTimer.Stop()
	sessionID := s.sessionID
	if s.proc == p {
		s.proc = nil
		s.state = StateStopped
	}
	s.mu.Unlock()

	cause := ClassifyExit(waitErr)
	requested := p.stopping.Load()
	ev := ClosedEvent{SessionID: sessionID}
	switch {
	case cause == nil:
		log.Info("supervisor: assistant exited")
	case requested:
		log.Infof("supervisor: assistant stopped: %v", cause)
	default:
		ev.Error, ev.Cause = true, cause
		log.Warnf("supervisor: assistant exited abnormally: %v", cause)
	}
	close(p.done)
	s.closed.emit(ev)
}

// Stop asks the assistant to exit, waits the grace period and then kills it.
// Stop with nothing running returns nil immediately.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	return s.stop(p)
}

func (s *Supervisor) stop(p *process) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	p.stopping.Store(true)
	log.Infof("supervisor: stopping assistant (pid %d)", p.cmd.Process.Pid)

	if _, err := p.ptmx.Write([]byte(s.opts.Config.ExitLine)); err != nil {
		log.Debugf("supervisor: exit line not delivered: %v", err)
	}
	grace := time.NewTimer(s.opts.Config.GracePeriod())
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	}

	log.Warnf("supervisor: assistant still running after %s, killing", s.opts.Config.GracePeriod())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill assistant: %w", err)
	}
	<-p.done
	return nil
}

// Write sends terminal input to the assistant.
func (s *Supervisor) Write(text string) error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(p.ptmx, text); err != nil {
		return fmt.Errorf("write to terminal: %w", err)
	}
	return nil
}

// Resize sets the terminal size. The size is remembered for the next Start
// when nothing is running.
func (s *Supervisor) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	if s.proc == nil {
		return nil
	}
	if err := pty.Setsize(s.proc.ptmx, s.size); err != nil {
		return fmt.Errorf("resize terminal: %w", err)
	}
	return nil
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	from := s.state
	s.state = state
	s.mu.Unlock()
	log.Debugf("supervisor: %s -> %s", from, state)
}

// splitIncompleteUTF8 holds back a rune cut off at the end of b.
func splitIncompleteUTF8(b []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i], b[len(b)-i:]
		}
		break
	}
	return b, nil
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
