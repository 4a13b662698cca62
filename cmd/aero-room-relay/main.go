package main

import (
	"context"
	"encoding/hex"
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

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/overlay"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/signaling"
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

	identity, err := loadIdentity(cfg.IdentitySeed)
	if err != nil {
		logger.Error("failed to load node identity", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-room-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"node_id", identity.ID().String(),
		"bootstrap_set", cfg.Bootstrap != "",
		"bootnode", cfg.Bootnode,
		"overlay_topic", cfg.OverlayTopic,
		"room_retention", cfg.RoomRetention,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"outbound_queue_bytes", cfg.OutboundQueueBytes,
	)

	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})

	ov, err := openOverlay(ctx, cfg, identity, logger, srv)
	if err != nil {
		logger.Error("failed to join overlay", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	mon := metrics.NewMonitor()
	store := rooms.NewStore(rooms.Options{
		Retention: cfg.RoomRetention,
		OnReap:    func(ids []string) { m.Add(metrics.RoomsReaped, uint64(len(ids))) },
		Logger:    logger,
	})
	peers := registry.New(store)

	rel := signaling.NewRelay(signaling.RelayConfig{
		Rooms:    store,
		Peers:    peers,
		Overlay:  ov,
		Topic:    cfg.OverlayTopic,
		Bootnode: cfg.Bootnode,
		Metrics:  m,
		Monitor:  mon,
		Logger:   logger,
	})

	sig := signaling.NewServer(signaling.Config{
		Relay:                rel,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		OutboxBytes:          cfg.OutboundQueueBytes,
		CheckOrigin:          cfg.OriginPolicy().CheckOrigin,
		Metrics:              m,
		Monitor:              mon,
		Logger:               logger,
	})
	sig.RegisterRoutes(srv.Mux())

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, mon, runtimeGauges(store, peers, sig)...))
	srv.Mux().Handle("GET /stats", metrics.StatsHandler(mon))

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- rel.Run(ctx)
	}()
	go store.RunReaper(ctx, cfg.RoomReapInterval)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		_ = ov.Close()
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			exitCode = 1
		}
		errCh <- nil
	case err := <-relayDone:
		if err != nil {
			logger.Error("overlay event loop exited", "err", err)
			exitCode = 1
		}
		relayDone <- nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := ov.Close(); err != nil {
		logger.Error("overlay close failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		exitCode = 1
	}
	<-relayDone
	os.Exit(exitCode)
}

func loadIdentity(seedHex string) (overlay.Identity, error) {
	if seedHex == "" {
		return overlay.GenerateIdentity(nil)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return overlay.Identity{}, fmt.Errorf("decode identity seed: %w", err)
	}
	return overlay.IdentityFromSeed(seed)
}

// openOverlay dials the configured broker, or joins a private in-process bus
// when the node runs standalone.
func openOverlay(ctx context.Context, cfg config.Config, identity overlay.Identity, logger *slog.Logger, srv *httpserver.Server) (overlay.Overlay, error) {
	opts := overlay.Options{
		PresenceInterval: cfg.PresenceInterval,
		PresenceTTL:      cfg.PresenceTTL,
		Topics:           []string{cfg.OverlayTopic},
	}
	if cfg.Bootstrap == "" {
		logger.Info("no bootstrap configured; running standalone")
		return overlay.NewBus().Join(identity, opts, logger)
	}
	ov, err := overlay.DialRedis(ctx, cfg.Bootstrap, identity, opts, logger)
	if err != nil {
		return nil, err
	}
	srv.AddReadinessCheck("overlay", ov.Ping)
	return ov, nil
}

func runtimeGauges(store *rooms.Store, peers *registry.Registry, sig *signaling.Server) []metrics.Gauge {
	return []metrics.Gauge{
		{Name: "rooms", Help: "Rooms held by this node, including retained empty rooms.", Value: func() float64 { return float64(store.Len()) }},
		{Name: "clients", Help: "Clients registered with this node.", Value: func() float64 { return float64(peers.Len()) }},
		{Name: "outbound_frames_dropped", Help: "Frames rejected by a full client queue.", Value: func() float64 { return float64(peers.Dropped()) }},
		{Name: "websocket_connections", Help: "Open client WebSocket connections.", Value: func() float64 { return float64(sig.ActiveConnections()) }},
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
