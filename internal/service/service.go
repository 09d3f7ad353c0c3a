package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/grajrb/ProSyncHub-sub000/config"
	"github.com/grajrb/ProSyncHub-sub000/internal/bridge"
	"github.com/grajrb/ProSyncHub-sub000/internal/broker"
	"github.com/grajrb/ProSyncHub-sub000/internal/gateway"
	"github.com/grajrb/ProSyncHub-sub000/internal/presence"
	"github.com/grajrb/ProSyncHub-sub000/internal/publisher"
	"github.com/grajrb/ProSyncHub-sub000/internal/registry"
	"github.com/grajrb/ProSyncHub-sub000/internal/router"
)

/*
	The service constructs and owns every component: broker driver, registry,
	router, publisher, presence, bridge and gateway, plus the HTTP surface
	that exposes them. Everything is explicitly wired here; nothing is a
	package-level singleton.
*/

type Service struct {
	appCtx context.Context
	cfg    *config.Service
	logger *slog.Logger

	broker    broker.Broker
	registry  *registry.Registry
	router    *router.Router
	publisher *publisher.Publisher
	presence  *presence.Notifier
	bridge    *bridge.Bridge
	gateway   *gateway.Gateway

	mux            *http.ServeMux
	authToken      string
	publishLimiter *rate.Limiter
	startedAt      time.Time
}

func New(ctx context.Context, logger *slog.Logger, cfg *config.Service) (*Service, error) {
	var (
		b   broker.Broker
		err error
	)
	switch cfg.Broker.Driver {
	case config.BrokerDriverRedis:
		b, err = broker.NewRedis(ctx, logger.With("component", "broker"), cfg.Broker.Address, cfg.Broker.Password, cfg.Broker.DB)
		if err != nil {
			return nil, err
		}
	case config.BrokerDriverMemory:
		b = broker.NewMemory(logger.With("component", "broker"))
	default:
		return nil, config.ErrBrokerDriverUnknown
	}
	return NewWithBroker(ctx, logger, cfg, b)
}

// NewWithBroker wires the service around an already-constructed broker.
// Several services sharing one memory broker behave like several processes
// sharing one redis, which is how the cross-process paths are tested.
func NewWithBroker(ctx context.Context, logger *slog.Logger, cfg *config.Service, b broker.Broker) (*Service, error) {
	reg := registry.New(logger.With("component", "registry"))
	rtr := router.New(logger.With("component", "router"), nil)
	pub := publisher.New(logger.With("component", "publisher"), b)
	pres := presence.New(logger.With("component", "presence"), pub)
	gw := gateway.New(ctx, logger.With("component", "gateway"), cfg, reg, rtr, pres)
	br := bridge.New(logger.With("component", "bridge"), b, rtr)

	secHash := sha256.New()
	secHash.Write([]byte(cfg.InstanceSecret))

	s := &Service{
		appCtx:         ctx,
		cfg:            cfg,
		logger:         logger,
		broker:         b,
		registry:       reg,
		router:         rtr,
		publisher:      pub,
		presence:       pres,
		bridge:         br,
		gateway:        gw,
		mux:            http.NewServeMux(),
		authToken:      hex.EncodeToString(secHash.Sum(nil)),
		publishLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimiters.Publish.Limit), cfg.RateLimiters.Publish.Burst),
		startedAt:      time.Now(),
	}

	s.mux.HandleFunc("/ws", gw.HandleWS)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/api/v1/events", s.publishHandler)
	return s, nil
}

// Publisher exposes the in-process publish seam for mutation handlers that
// live in the same binary.
func (s *Service) Publisher() *publisher.Publisher { return s.publisher }

// Handler exposes the HTTP surface; the daemon serves it, tests mount it on
// httptest servers.
func (s *Service) Handler() http.Handler { return s.mux }

// Start brings up the broker bridge. Delivery only works after this.
func (s *Service) Start() {
	s.bridge.Run(s.appCtx)
}

// Run starts the bridge and serves HTTP until the service context ends,
// then drains.
func (s *Service) Run() error {
	s.Start()

	srv := &http.Server{
		Addr:    s.cfg.Binding,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP shutdown error", "error", err)
		}
	}()

	s.logger.Info("Realtime service listening", "binding", s.cfg.Binding, "broker", s.cfg.Broker.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	s.bridge.Wait()
	if err := s.broker.Close(); err != nil {
		s.logger.Error("Broker close error", "error", err)
	}
	s.logger.Info("Realtime service stopped")
	return nil
}
