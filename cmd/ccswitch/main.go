// Package main provides the entry point for ccswitch, a local credential
// router for the coding assistant. It runs the loopback reverse proxy, keeps
// the shared channel registry in sync, and can launch the assistant inside a
// supervised terminal.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/cmd"
	"github.com/Finesssee/ccswitch/internal/config"
	"github.com/Finesssee/ccswitch/internal/logging"
	"github.com/Finesssee/ccswitch/internal/supervisor"
	"github.com/Finesssee/ccswitch/internal/tui"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	Version = "dev"
	Commit  = "none"
)

// options holds everything parsed from the command line.
type options struct {
	command      string
	args         []string
	configPath   string
	port         int
	settingsPath string
	logLevel     string
	jsonOutput   bool
	workDir      string
	claudeConfig string
	proxyUser    string
	proxyPass    string
	showVersion  bool
}

func init() {
	logging.SetupBaseLogger()
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("ccswitch %s (%s)\n", Version, Commit)
		return
	}

	if wd, errWd := os.Getwd(); errWd == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.SetLogLevel(cfg.LogLevel)
	if cfg.Debug {
		logging.SetLogLevel("debug")
	}

	if err = dispatch(opts, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(argv []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("ccswitch", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Configure file path (default ~/.ccswitch/config.yaml)")
	fs.IntVar(&opts.port, "port", 0, "Proxy port (overrides config)")
	fs.StringVar(&opts.settingsPath, "settings", "", "Shared settings file (overrides config)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, quiet")
	fs.BoolVar(&opts.jsonOutput, "json", false, "Print machine-readable output")
	fs.StringVar(&opts.workDir, "workdir", "", "Working directory for the assistant")
	fs.StringVar(&opts.claudeConfig, "claude-config", "", "Assistant config file read by detect (default ~/.claude.json)")
	fs.StringVar(&opts.proxyUser, "proxy-user", "", "Upstream proxy username (proxy command)")
	fs.StringVar(&opts.proxyPass, "proxy-pass", "", "Upstream proxy password (proxy command)")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "Show version and exit")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	rest := fs.Args()
	// Everything after "--" belongs to the assistant.
	var passthrough []string
	if dash := fs.ArgsLenAtDash(); dash >= 0 {
		passthrough = rest[dash:]
		rest = rest[:dash]
	}

	opts.command = "serve"
	if len(rest) > 0 {
		opts.command = strings.ToLower(rest[0])
		rest = rest[1:]
	}
	opts.args = append(rest, passthrough...)

	switch opts.command {
	case "serve", "run", "status", "detect", "pick":
	case "switch":
		if len(opts.args) != 1 {
			return nil, fmt.Errorf("switch expects exactly one target")
		}
	case "proxy":
		if len(opts.args) != 1 {
			return nil, fmt.Errorf("proxy expects a URL or \"off\"")
		}
	default:
		return nil, fmt.Errorf("unknown command %q", opts.command)
	}
	return opts, nil
}

func loadConfig(opts *options) (*config.Config, error) {
	path := strings.TrimSpace(opts.configPath)
	optional := path == ""
	if optional {
		path = filepath.Join(config.ConfigDir(), "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(config.ExpandPath(path), optional)
	if err != nil {
		return nil, err
	}
	if opts.port > 0 {
		cfg.Port = opts.port
	}
	if opts.settingsPath != "" {
		cfg.SettingsFile = config.ExpandPath(opts.settingsPath)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, cfg.Validate()
}

func dispatch(opts *options, cfg *config.Config) error {
	reg := channel.NewRegistry(channel.NewStore(cfg.SettingsFile))

	switch opts.command {
	case "status":
		return cmd.ShowStatus(os.Stdout, reg, cfg.SettingsFile, opts.jsonOutput)
	case "switch":
		return cmd.SwitchChannel(os.Stdout, reg, opts.args[0], opts.jsonOutput)
	case "proxy":
		return cmd.ConfigureUpstreamProxy(os.Stdout, reg, opts.args[0], opts.proxyUser, opts.proxyPass)
	case "pick":
		return tui.RunPicker(reg)
	case "detect":
		claudeConfig := opts.claudeConfig
		if claudeConfig == "" {
			claudeConfig = cmd.DefaultAssistantConfigPath()
		}
		locator := supervisor.NewLocator(cfg.Supervisor.Executable)
		locate := func() (string, error) { return locator.Locate(os.Getenv("PATH")) }
		return cmd.DoDetect(os.Stdout, reg, config.ExpandPath(claudeConfig), locate, opts.jsonOutput)
	case "run":
		return runAttached(cfg, reg, opts)
	default:
		return serve(cfg, reg, opts)
	}
}

const usageText = `ccswitch - local credential router for the coding assistant

Usage:
  ccswitch [flags] [command] [args] [-- assistant args]

Commands:
  serve              Run the proxy (default); with --workdir also launch the assistant
  run                Run the proxy and the assistant attached to this terminal
  status             Show providers, accounts and the active channel
  switch <target>    Activate a provider, provider/account, account id or email
  pick               Choose the active channel interactively
  detect             Register the account the assistant is logged in with
  proxy <url|off>    Configure the upstream HTTP/SOCKS5 proxy

Flags:
`
