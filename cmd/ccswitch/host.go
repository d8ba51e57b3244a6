package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/config"
	"github.com/Finesssee/ccswitch/internal/logging"
	"github.com/Finesssee/ccswitch/internal/proxy"
	"github.com/Finesssee/ccswitch/internal/supervisor"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const shutdownTimeout = 5 * time.Second

// host bundles the long-running pieces shared by serve and run.
type host struct {
	cfg    *config.Config
	reg    *channel.Registry
	server *proxy.Server
	sup    *supervisor.Supervisor
}

func newHost(cfg *config.Config, reg *channel.Registry, bannerOut io.Writer) (*host, error) {
	server, err := proxy.NewServer(cfg, reg)
	if err != nil {
		return nil, fmt.Errorf("create proxy: %w", err)
	}
	sup, err := supervisor.New(supervisor.Options{
		Config:          cfg.Supervisor,
		ProxyBaseURL:    cfg.ProxyBaseURL(),
		SettingsPath:    cfg.SettingsFile,
		OfficialBaseURL: cfg.OfficialBaseURL,
		Registry:        reg,
		BannerOut:       bannerOut,
	})
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	server.AttachWebsocketRoute("", supervisor.NewBridge(sup))
	return &host{cfg: cfg, reg: reg, server: server, sup: sup}, nil
}

// run serves the proxy and watches the settings file until ctx is done or
// one of them fails. launch, when set, runs alongside them.
func (h *host) run(ctx context.Context, launch func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(h.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.sup.Stop(); err != nil {
			log.Warnf("stop assistant: %v", err)
		}
		return h.server.Stop(shutdownCtx)
	})
	g.Go(func() error {
		if err := h.reg.Watch(gctx); err != nil {
			// Switches made elsewhere are still picked up on the next write.
			log.Warnf("settings watch disabled: %v", err)
		}
		return nil
	})
	if launch != nil {
		g.Go(func() error { return launch(gctx) })
	}
	return g.Wait()
}

func serve(cfg *config.Config, reg *channel.Registry, opts *options) error {
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir, cfg.LogsMaxSizeMB); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHost(cfg, reg, os.Stdout)
	if err != nil {
		return err
	}
	if ch, ok := reg.ActiveChannel(); ok {
		log.Infof("active channel: %s / %s", ch.Provider.ID, ch.Account.Label())
	} else {
		log.Warn("no active channel, requests will be rejected until one is selected")
	}

	var launch func(context.Context) error
	if opts.workDir != "" {
		launch = func(ctx context.Context) error {
			return h.sup.Start(ctx, opts.workDir, opts.args)
		}
	}
	return h.run(ctx, launch)
}

// runAttached runs the assistant on the local terminal. Logs go to the log
// file so they don't interleave with the assistant's screen.
func runAttached(cfg *config.Config, reg *channel.Registry, opts *options) error {
	if err := logging.ConfigureLogOutput(true, cfg.LogDir, cfg.LogsMaxSizeMB); err != nil {
		return err
	}
	workDir := opts.workDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workDir = wd
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h, err := newHost(cfg, reg, os.Stdout)
	if err != nil {
		return err
	}

	closed := make(chan supervisor.ClosedEvent, 1)
	unsubscribeData := h.sup.OnData(func(chunk string) {
		_, _ = io.WriteString(os.Stdout, chunk)
	})
	defer unsubscribeData()
	unsubscribeClosed := h.sup.OnClosed(func(ev supervisor.ClosedEvent) {
		select {
		case closed <- ev:
		default:
		}
		cancel()
	})
	defer unsubscribeClosed()

	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if cols, rows, errSize := term.GetSize(int(os.Stdout.Fd())); errSize == nil {
			_ = h.sup.Resize(cols, rows)
		}
	}

	var rawState *term.State
	launch := func(ctx context.Context) error {
		if err := h.sup.Start(ctx, workDir, opts.args); err != nil {
			return err
		}
		if interactive {
			state, errRaw := term.MakeRaw(stdinFd)
			if errRaw != nil {
				return fmt.Errorf("enter raw mode: %w", errRaw)
			}
			rawState = state
			go followResize(ctx, h.sup)
		}
		go pumpInput(os.Stdin, h.sup)
		return nil
	}

	errRun := h.run(ctx, launch)
	if rawState != nil {
		_ = term.Restore(stdinFd, rawState)
		fmt.Fprint(os.Stdout, "\n")
	}
	if errRun != nil {
		return errRun
	}
	select {
	case ev := <-closed:
		if ev.Error {
			return fmt.Errorf("assistant exited: %w", ev.Cause)
		}
	default:
	}
	return nil
}

// pumpInput forwards keystrokes to the assistant until stdin closes.
func pumpInput(r io.Reader, sup *supervisor.Supervisor) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if errWrite := sup.Write(string(buf[:n])); errWrite != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// followResize keeps the PTY size in step with the local terminal.
func followResize(ctx context.Context, sup *supervisor.Supervisor) {
	sigs := make(chan os.Signal, 1)
	notifyResize(sigs)
	defer signal.Stop(sigs)
	fd := int(os.Stdout.Fd())
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if cols, rows, err := term.GetSize(fd); err == nil {
				_ = sup.Resize(cols, rows)
			}
		}
	}
}
