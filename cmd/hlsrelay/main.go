// The hlsrelay command proxies HLS manifests and relays their segments and
// keys through a set of upstream mirrors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agleyzer/hlsrelay/internal/auth"
	"github.com/agleyzer/hlsrelay/internal/cluster"
	"github.com/agleyzer/hlsrelay/internal/config"
	"github.com/agleyzer/hlsrelay/internal/fetch"
	"github.com/agleyzer/hlsrelay/internal/manifest"
	"github.com/agleyzer/hlsrelay/internal/metrics"
	"github.com/agleyzer/hlsrelay/internal/mirror"
	"github.com/agleyzer/hlsrelay/internal/origin"
	"github.com/agleyzer/hlsrelay/internal/proxy"
	"github.com/agleyzer/hlsrelay/internal/segment"
	"github.com/agleyzer/hlsrelay/internal/server"
	"github.com/agleyzer/hlsrelay/internal/upstream"
)

func main() {
	// A missing .env is fine; the environment and flags still apply.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("hlsrelay v%s\n", config.Version)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, logOutput, closeLog, err := newLogger(cfg.Verbose, cfg.LogFile, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logger.Info("hlsrelay starting", "version", config.Version)

	// Run the application
	if err := run(cfg, logger, logOutput); err != nil {
		logger.Error("application error", "error", err)
		closeLog()
		os.Exit(1)
	}

	logger.Info("hlsrelay stopped")
}

// newLogger builds the process logger. With logFile set, output goes to both
// stdout and the file.
func newLogger(verbose bool, logFile string, stdout io.Writer) (*slog.Logger, io.Writer, func() error, error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	out := stdout
	closeLog := func() error { return nil }
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closeLog = f.Close
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	}))
	return logger, out, closeLog, nil
}

// app is a fully wired relay, not yet serving.
type app struct {
	server  *server.Server
	manager *cluster.Manager
}

// newApp wires every component described by cfg.
func newApp(cfg *config.Config, logger *slog.Logger, logOutput io.Writer) (*app, error) {
	profile := cfg.Profile()
	header := profile.Header()
	client := upstream.NewClient(cfg.Timeout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	authenticator := auth.New(auth.Config{
		HandshakeURL:    profile.HandshakeURL,
		HandshakeBody:   profile.HandshakeBody,
		RequiredCookies: profile.RequiredCookies,
		Header:          header,
		TTL:             cfg.CookieTTL,
	}, client, m, logger)

	locator := origin.New(profile.LandingURL, header, client, logger)

	fetcher := fetch.New(client, mirror.NewResolver(profile.RelayHost, profile.MirrorHosts...), header, fetch.Options{
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
	}, m, logger)

	rewriter := manifest.NewRewriter(manifest.Rules{
		DirectHost: profile.DirectHost,
		CORSPrefix: profile.CORSPrefix,
		BucketURL:  profile.BucketURL,
	}, logger)

	local := segment.NewStore(cfg.SessionCapacity, cfg.SessionTTL)
	a := &app{}

	var store proxy.Store = local
	if cfg.Clustered() {
		manager, err := cluster.NewManager(cluster.Config{
			RaftID:    cfg.RaftID,
			BindAddr:  cfg.RaftBind,
			Peers:     cfg.RaftPeers,
			LogLevel:  cfg.RaftLogLevel,
			LogOutput: logOutput,
		}, local, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create cluster manager: %w", err)
		}
		a.manager = manager
		store = cluster.NewStore(local, manager, logger)
	}

	var fallback proxy.FallbackFunc
	if cfg.UnmappedFallback {
		fallback = proxy.RelayFallback(profile.RelayHost)
	}

	relay := proxy.New(proxy.Config{
		SessionTokens: cfg.SessionTokens,
		Fallback:      fallback,
	}, fetcher, authenticator, locator, rewriter, store, m, logger)

	a.server = server.New(relay, cfg.Port, logger)
	a.server.SetMetrics(m, reg)
	if a.manager != nil {
		a.server.SetCluster(a.manager)
	}
	return a, nil
}

func run(cfg *config.Config, logger *slog.Logger, logOutput io.Writer) error {
	a, err := newApp(cfg, logger, logOutput)
	if err != nil {
		return err
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if a.manager != nil {
		if err := a.manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer a.manager.Shutdown()

		logger.Info("cluster mode enabled",
			"node_id", a.manager.NodeID(),
			"peers", a.manager.Peers(),
		)

		waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.manager.WaitForLeader(waitCtx); err != nil {
			logger.Warn("no raft leader yet, serving with local segment maps", "error", err)
		} else {
			logger.Info("raft leader elected", "leader", a.manager.LeaderAddr(), "is_leader", a.manager.IsLeader())
		}
		waitCancel()
	}

	logger.Info("relay ready",
		"playlist", fmt.Sprintf("http://localhost:%d/playlist.m3u8?url=<manifest-url>", cfg.Port),
		"health", fmt.Sprintf("http://localhost:%d/health", cfg.Port),
		"metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.Port),
	)

	// Start server (blocks until shutdown)
	return a.server.Start(ctx)
}
