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

	"github.com/feltmark/boardcast/internal/config"
	"github.com/feltmark/boardcast/internal/httpserver"
	"github.com/feltmark/boardcast/internal/metrics"
	"github.com/feltmark/boardcast/internal/relay"
	"github.com/feltmark/boardcast/internal/sfu"
	"github.com/feltmark/boardcast/internal/webrtcpeer"
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

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. No networking happens until peers are created.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting boardcast",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"public_base_url", cfg.PublicBaseURL,
		"relay_idle_timeout", cfg.RelayIdleTimeout,
		"relay_ping_interval", cfg.RelayPingInterval,
		"max_relay_message_bytes", cfg.MaxRelayMessageBytes,
		"max_relay_messages_per_second", cfg.MaxRelayMessagesPerSec,
		"max_negotiations_per_second", cfg.MaxNegotiationsPerSecond,
		"room_retention", cfg.RoomRetention,
		"ice_gathering_timeout", cfg.ICEGatheringTimeout,
	)

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	m := metrics.New()
	relaySrv := relay.NewServer(relay.Options{
		WriteTimeout:         cfg.RelayWriteTimeout,
		IdleTimeout:          cfg.RelayIdleTimeout,
		PingInterval:         cfg.RelayPingInterval,
		MaxMessageBytes:      cfg.MaxRelayMessageBytes,
		MaxMessagesPerSecond: cfg.MaxRelayMessagesPerSec,
		MaxConnsPerHost:      cfg.MaxRelayConnsPerIP,
		RoomRetention:        cfg.RoomRetention,
		AllowedOrigins:       cfg.AllowedOrigins,
	}, logger, m)

	sfuMgr := sfu.NewManager(api, webrtcpeer.PeerConnectionConfig(cfg), cfg.ICEGatheringTimeout, relaySrv, logger, m)
	sfu.AttachRelay(sfuMgr, relaySrv)

	srv.Mux().Handle("GET /ws", relaySrv)

	sfuHandler := &sfu.Handler{
		Manager:                  sfuMgr,
		Log:                      logger,
		Metrics:                  m,
		MaxNegotiationsPerSecond: cfg.MaxNegotiationsPerSecond,
	}
	sfuMux := http.NewServeMux()
	sfuHandler.RegisterRoutes(sfuMux)
	srv.Mux().Handle("/sfu/", srv.OriginHandler(sfuMux))

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sfuMgr.Close()
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sfuMgr.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
