package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/verso-app/livecast/internal/capture"
	"github.com/verso-app/livecast/internal/config"
	"github.com/verso-app/livecast/internal/handler"
	"github.com/verso-app/livecast/internal/mesh"
	"github.com/verso-app/livecast/internal/presence"
	"github.com/verso-app/livecast/internal/registry"
	"github.com/verso-app/livecast/internal/relay"
	"github.com/verso-app/livecast/internal/session"
	"github.com/verso-app/livecast/internal/signaling"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		pkglog.L().Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "livecastd"})
	logger := pkglog.L()

	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting livecastd")

	// Initialize signaling channel
	channel, err := newChannel(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize signaling channel")
	}
	defer channel.Close()
	logger.Info().Str("driver", cfg.Signaling.Driver).Msg("signaling channel ready")

	// Room lifecycle backend
	lifecycle := registry.NewLifecycleClient(cfg.Rooms.HTTPAddress, cfg.Rooms.Timeout)
	logger.Info().Str("address", cfg.Rooms.HTTPAddress).Msg("room lifecycle client configured")

	// Optional Kafka producer for room lifecycle events
	var events registry.RoomEventProducer
	if cfg.Kafka.Enabled {
		events, err = registry.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to create kafka producer, room events disabled")
			events = nil // Service works without Kafka
		} else {
			defer events.Close()
			logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("connected to kafka")
		}
	}

	reg := registry.New(lifecycle, channel, events)

	// Optional shared presence store
	var store presence.Store
	if cfg.Presence.UseRedis {
		store, err = presence.NewRedisStore(cfg.Presence.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to presence store")
		}
		defer store.Close()
		logger.Info().Str("address", cfg.Presence.Redis.Address).Msg("presence store connected")
	}

	// Presence aggregator
	agg := presence.NewAggregator(presence.Config{
		RosterCap: cfg.Presence.RosterCap,
		ChatCap:   cfg.Presence.ChatCap,
		ViewerTTL: cfg.Presence.ViewerTTL,
	}, store)

	// Media path: pion mesh links, relay RPC client, local capture
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.Mesh.STUNServers))
	for _, url := range cfg.Mesh.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	links := mesh.NewPionFactory(iceServers)

	var relayClient *relay.Client
	if cfg.Relay.HTTPAddress != "" {
		relayClient = relay.NewClient(cfg.Relay.HTTPAddress, cfg.Relay.Timeout)
		logger.Info().Str("address", cfg.Relay.HTTPAddress).Msg("relay client configured")
	}

	sessions := session.NewManager(reg, channel, capture.NewStaticSource(), links, relayClient, session.Config{
		RelayFanoutThreshold: cfg.Relay.FanoutThreshold,
		Mesh:                 mesh.Config{OfferTimeout: cfg.Mesh.OfferTimeout},
	})

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(pkglog.GinMiddleware(logger), gin.Recovery())

	h := handler.NewHandler(reg, agg, sessions)
	h.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("livecastd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down livecastd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sessions.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("livecastd stopped")
}

func newChannel(cfg *config.Config) (signaling.Channel, error) {
	switch cfg.Signaling.Driver {
	case "redis":
		return signaling.NewRedisChannel(cfg.Signaling.Redis)
	case "websocket":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return signaling.DialWS(ctx, cfg.Signaling.WebSocket)
	case "memory":
		return signaling.NewMemoryChannel(), nil
	default:
		return nil, fmt.Errorf("unknown signaling driver %q", cfg.Signaling.Driver)
	}
}
