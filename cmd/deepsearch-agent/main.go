package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/floegence/deepsearch-agent/internal/config"
	"github.com/floegence/deepsearch-agent/internal/eventlog"
	"github.com/floegence/deepsearch-agent/internal/research"
	"github.com/floegence/deepsearch-agent/internal/research/threadstore"
	"github.com/floegence/deepsearch-agent/internal/settings"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "secrets":
		secretsCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "version":
		fmt.Printf("deepsearch-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `deepsearch-agent

Usage:
  deepsearch-agent init [flags]
  deepsearch-agent secrets <set|clear|status> [flags]
  deepsearch-agent serve [flags]
  deepsearch-agent version

Commands:
  init        Write a starter config file.
  secrets     Manage provider API keys (stored outside the config file).
  serve       Run the local research API server.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	providerID := fs.String("provider", "anthropic", "Default LLM provider id")
	providerType := fs.String("provider-type", config.ProviderTypeAnthropic, "Provider type: anthropic|openai")
	model := fs.String("model", "claude-sonnet-4-5", "Default model name")
	webSearch := fs.String("web-search", config.WebSearchBrave, "Web search backend: brave|google|disabled")
	listenAddr := fs.String("listen", "127.0.0.1:8787", "Serve listen address")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if !*force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "config already exists: %s (use -force to overwrite)\n", path)
			os.Exit(1)
		}
	}

	cfg := &config.Config{
		ListenAddr: strings.TrimSpace(*listenAddr),
		LogFormat:  "json",
		LogLevel:   "info",
		Research: &config.ResearchConfig{
			Providers: []config.Provider{{
				ID:   strings.TrimSpace(*providerID),
				Type: strings.TrimSpace(*providerType),
			}},
			DefaultModel: config.ModelRef{
				ProviderID: strings.TrimSpace(*providerID),
				ModelName:  strings.TrimSpace(*model),
			},
			WebSearchProvider: strings.TrimSpace(*webSearch),
		},
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
	fmt.Printf("Next: deepsearch-agent secrets set -id %s\n", strings.TrimSpace(*providerID))
}

func secretsCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: deepsearch-agent secrets <set|clear|status> [flags]\n")
		os.Exit(2)
	}
	sub := args[0]

	fs := flag.NewFlagSet("secrets "+sub, flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	keyID := fs.String("id", "", `Secret id: a provider id from the config, or "websearch"`)
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	store := settings.NewSecretsStore(filepath.Join(cfg.EffectiveStateDir(), "secrets.json"))

	switch sub {
	case "set":
		id := strings.TrimSpace(*keyID)
		if id == "" {
			fmt.Fprintf(os.Stderr, "missing -id\n")
			os.Exit(2)
		}
		key, err := readSecret(fmt.Sprintf("API key for %q: ", id))
		if err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		if err := store.SetAPIKey(id, key); err != nil {
			fmt.Fprintf(os.Stderr, "set failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key stored for %q\n", id)
	case "clear":
		id := strings.TrimSpace(*keyID)
		if id == "" {
			fmt.Fprintf(os.Stderr, "missing -id\n")
			os.Exit(2)
		}
		if err := store.ClearAPIKey(id); err != nil {
			fmt.Fprintf(os.Stderr, "clear failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key cleared for %q\n", id)
	case "status":
		ids := []string{settings.WebSearchKeyID}
		if cfg.Research != nil {
			for _, p := range cfg.Research.Providers {
				ids = append(ids, p.ID)
			}
		}
		status, err := store.APIKeySetStatus(ids)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
			os.Exit(1)
		}
		for _, id := range ids {
			state := "unset"
			if status[id] {
				state = "set"
			}
			fmt.Printf("%-16s %s\n", id, state)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown secrets subcommand %q\n", sub)
		os.Exit(2)
	}
}

// readSecret reads a key without echo when stdin is a terminal, falling back
// to a plain line read for piped input.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", errors.New("empty input")
	}
	return strings.TrimSpace(sc.Text()), nil
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "", "Listen address (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Research == nil {
		fmt.Fprintf(os.Stderr, "config has no research section; run deepsearch-agent init\n")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	stateDir := cfg.EffectiveStateDir()

	if presets, err := config.LoadEffortPresets(filepath.Join(stateDir, "effort_presets.yaml")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load effort presets: %v\n", err)
		os.Exit(1)
	} else if len(presets) > 0 {
		cfg.Research.EffortPresets = presets
	}

	store, err := threadstore.Open(filepath.Join(stateDir, "threads.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open thread store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	runLog, err := eventlog.New(eventlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open event log: %v\n", err)
		os.Exit(1)
	}

	secrets := settings.NewSecretsStore(filepath.Join(stateDir, "secrets.json"))
	resolveKey := func(id string) (string, error) {
		key, ok, err := secrets.GetAPIKey(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("no api key stored for %q", id)
		}
		return key, nil
	}

	svc, err := research.NewService(research.Options{
		Log:        logger,
		Research:   cfg.Research,
		Store:      store,
		EventLog:   runLog,
		ResolveKey: resolveKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init research service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	addr := strings.TrimSpace(*listen)
	if addr == "" {
		addr = strings.TrimSpace(cfg.ListenAddr)
	}
	if addr == "" {
		addr = "127.0.0.1:8787"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(logger, svc).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("deepsearch-agent serving", "addr", addr, "version", Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
	<-ctx.Done()
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
