package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/history"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		logger.Error("invalid allowed origins", "err", err)
		os.Exit(2)
	}
	ice, err := newICEProvider(cfg)
	if err != nil {
		logger.Error("failed to configure ICE servers", "err", err)
		os.Exit(2)
	}

	logger.Info("starting device-pairing-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"ws_url", wsURL(cfg.PublicBaseURL),
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"max_devices", cfg.MaxDevices,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	hub := pairing.NewHub(pairing.NewRouter(pairing.Config{
		Registry:     registry.New(cfg.OfflineLimit),
		History:      history.New(),
		Metrics:      m,
		Logger:       logger.With("component", "pairing"),
		HistoryLimit: cfg.HistoryLimit,
		MaxDevices:   cfg.MaxDevices,
		ICE:          ice,
	}))
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	sig := signaling.NewServer(signaling.Config{
		Hub:               hub,
		Metrics:           m,
		Logger:            logger.With("component", "signaling"),
		Origins:           origins,
		IdleTimeout:       cfg.WSIdleTimeout,
		PingInterval:      cfg.WSPingInterval,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueBytes:    cfg.SendQueueBytes,
	})

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Deps{
		Hub:       hub,
		Signaling: sig,
		Metrics:   m,
		ICE:       ice,
		Origins:   origins,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		shutdownSignaling(logger, sig, cfg)
		stopHub()
		<-hub.Done()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting first, then drain sockets, then stop the hub.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	shutdownSignaling(logger, sig, cfg)
	stopHub()
	<-hub.Done()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func shutdownSignaling(logger *slog.Logger, sig *signaling.Server, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := sig.Shutdown(ctx); err != nil {
		logger.Warn("signaling shutdown incomplete", "err", err, "remaining", sig.ActiveConnections())
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
