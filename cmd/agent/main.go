package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/redis"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/metrics"
	repo "github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Agent failed")
	}
}

func setupLogger(cfg *config.Config) {
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
		return
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
}

func run(ctx context.Context, cfg *config.Config) error {
	l := log.With().Str("user_id", cfg.UserID.String()).Logger()

	transport, runTransport, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}

	profiles := repo.NewProfileRepository(cfg.Profiles...)
	if err := profiles.Save(ctx, cfg.LocalProfile()); err != nil {
		return err
	}

	mediaEngine, err := pion.NewEngine(cfg.STUNServers)
	if err != nil {
		return err
	}

	channel := service.NewSignalingChannel(transport)
	presence := service.NewPresenceTracker(cfg.UserID, channel, service.PresenceConfig{
		StaleAfter:        cfg.PresenceStaleAfter,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	calls, err := service.NewCallManager(cfg.UserID, channel, presence, mediaEngine, service.CallConfig{
		RingTimeout:        cfg.RingTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		AutoBusyPresence:   cfg.AutoBusyPresence,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	events := handler.NewEventHub(profiles)
	calls.OnStateChange(recorder.ObserveState)
	calls.OnStateChange(events.StateChanged)
	calls.OnIncomingCall(events.IncomingCall)

	h := handler.NewHandler(calls, presence, profiles, events, reg)
	h.Watch(ctx, cfg.UserID)
	presence.Subscribe(ctx, cfg.UserID, recorder.ObservePresence)
	for _, peer := range cfg.PresencePeers {
		h.Watch(ctx, peer)
		presence.Subscribe(ctx, peer, recorder.ObservePresence)
	}

	// The transport outlives ctx so the shutdown hangup and offline
	// announcement still go out.
	transportCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()
	go runTransport(transportCtx)
	go events.Run()
	go calls.Run()
	go presence.Run(ctx)

	// Announce once the transport is up; the heartbeat covers a slow start.
	go func() {
		waitConnected(ctx, channel)
		if err := presence.SetLocalStatus(ctx, domain.StatusOnline); err != nil {
			l.Error().Err(err).Msg("Failed to go online")
		}
		for _, peer := range cfg.PresencePeers {
			presence.Watch(ctx, peer)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: h.NewRouter(),
	}

	errc := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.HTTPAddr).Str("transport", cfg.Transport).Msg("Starting agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	l.Info().Msg("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}
	calls.Stop()
	if err := presence.SetLocalStatus(shutdownCtx, domain.StatusOffline); err != nil {
		l.Error().Err(err).Msg("Failed to announce offline")
	}
	events.Stop()

	l.Info().Msg("Agent exited")
	return nil
}

// newTransport builds the configured transport and the loop that keeps it
// connected.
func newTransport(ctx context.Context, cfg *config.Config) (port.Transport, func(context.Context), error) {
	switch cfg.Transport {
	case config.TransportRedis:
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		t := redis.NewTransport(client, cfg.UserID)
		return t, func(ctx context.Context) {
			t.Run(ctx)
			client.Close()
		}, nil
	default:
		c, err := ws.NewClient(cfg.RelayURL, cfg.UserID)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Run, nil
	}
}

func waitConnected(ctx context.Context, channel *service.SignalingChannel) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !channel.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
