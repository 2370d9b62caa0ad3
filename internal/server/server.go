/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/storeplay/internal/api"
	"github.com/friendsincode/storeplay/internal/cache"
	"github.com/friendsincode/storeplay/internal/catalog"
	"github.com/friendsincode/storeplay/internal/config"
	"github.com/friendsincode/storeplay/internal/db"
	"github.com/friendsincode/storeplay/internal/eventbus"
	"github.com/friendsincode/storeplay/internal/events"
	"github.com/friendsincode/storeplay/internal/leadership"
	"github.com/friendsincode/storeplay/internal/logbuffer"
	"github.com/friendsincode/storeplay/internal/mixsource"
	"github.com/friendsincode/storeplay/internal/playout"
	"github.com/friendsincode/storeplay/internal/progress"
	"github.com/friendsincode/storeplay/internal/schedule"
	"github.com/friendsincode/storeplay/internal/sink"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

const requestTimeout = 60 * time.Second

// Events relayed between nodes. Catalog changes keep every node's snapshot
// fresh; session events feed admin streams on any node.
var relayedEvents = []events.EventType{
	events.EventRulesChanged,
	events.EventStylesChanged,
	events.EventStoresChanged,
	events.EventStyleChanged,
	events.EventSessionState,
	events.EventSessionError,
	events.EventPlayerAttached,
	events.EventPlayerDetached,
}

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error
	startedAt  time.Time

	db        *gorm.DB
	cache     *cache.Cache
	logBuffer *logbuffer.Buffer
	bus       *events.Bus
	catalog   *catalog.Repository
	schedule  *schedule.Service
	ledger    *progress.Ledger
	playout   *playout.Manager
	api       *api.API
	bridge    *eventbus.Bridge
	election  *leadership.Election
	gateway   *sink.MQTTGateway

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("storeplay-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Player sockets and event streams are long-lived.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(requestTimeout)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
		startedAt: time.Now(),
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Player sockets stay open for hours; handlers manage their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database

	s.catalog = catalog.New(database, s.logger)
	s.catalog.SetBus(s.bus)

	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		if s.cfg.CacheTTL > 0 {
			cacheCfg.CatalogTTL = s.cfg.CacheTTL
			cacheCfg.StoreTTL = s.cfg.CacheTTL
		}
		entityCache, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			s.cache = entityCache
			s.catalog.SetCache(entityCache)
			s.DeferClose(func() error { return entityCache.Close() })
		}
	}

	s.schedule = schedule.NewService(s.catalog, schedule.NewResolver(s.cfg.TieBreak), s.cfg.SnapshotRefresh, s.logger)
	s.schedule.SetBus(s.bus)

	s.ledger = progress.NewLedger(progress.NewGormStore(database), progress.Config{
		MaxDelta:      s.cfg.ProgressMaxDelta,
		FlushInterval: s.cfg.ProgressFlushInterval,
	}, s.logger)
	if s.cache != nil {
		s.ledger.SetCache(s.cache)
	}

	var presigner mixsource.Presigner
	if s.cfg.S3Enabled() {
		p, err := mixsource.NewS3Presigner(context.Background(), mixsource.S3Config{
			Region:          s.cfg.S3Region,
			Endpoint:        s.cfg.S3Endpoint,
			AccessKeyID:     s.cfg.S3AccessKeyID,
			SecretAccessKey: s.cfg.S3SecretAccessKey,
			UsePathStyle:    s.cfg.S3UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("init s3 presigner: %w", err)
		}
		presigner = p
		s.logger.Info().Str("endpoint", s.cfg.S3Endpoint).Msg("s3 mix sources enabled")
	}

	s.playout = playout.NewManager(playout.Deps{
		Schedule: s.schedule,
		Ledger:   s.ledger,
		Catalog:  s.catalog,
		Sources:  mixsource.NewResolver(presigner, s.cfg.MixURLTTL),
		Bus:      s.bus,
		Options: playout.Options{
			TickInterval:  s.cfg.TickInterval,
			DefaultVolume: s.cfg.DefaultVolume,
			AutoMode:      s.cfg.AutoModeOnAttach,
			Autoplay:      s.cfg.Autoplay,
		},
		Logger: s.logger,
	})

	if s.cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Token = s.cfg.NATSToken
		natsCfg.NodeID = s.cfg.InstanceID
		nc, err := eventbus.Connect(natsCfg, s.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.DeferClose(func() error { return nc.Drain() })
		s.bridge = eventbus.NewBridge(nc, s.bus, natsCfg, s.logger)
	}

	if s.cfg.LeaderElectionEnabled {
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		})
		s.DeferClose(client.Close)
		s.election = leadership.NewElection(client, leadership.ElectionConfig{
			InstanceID: s.cfg.InstanceID,
		}, s.logger)
		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", s.election.InstanceID()).
			Msg("leader election enabled for mqtt gateway")
	}

	if s.cfg.MQTTBroker != "" {
		s.gateway = sink.NewMQTTGateway(sink.MQTTConfig{
			Broker:      s.cfg.MQTTBroker,
			ClientID:    "storeplay-" + s.cfg.InstanceID,
			Username:    s.cfg.MQTTUsername,
			Password:    s.cfg.MQTTPassword,
			TopicPrefix: s.cfg.MQTTTopicPrefix,
		}, s.playout, s.logger)
	}

	s.api = api.New(api.Deps{
		Catalog:        s.catalog,
		Schedule:       s.schedule,
		Ledger:         s.ledger,
		Playout:        s.playout,
		Bus:            s.bus,
		LogBuffer:      s.logBuffer,
		JWTSecret:      []byte(s.cfg.JWTSigningKey),
		AdminRateLimit: s.cfg.RateLimitPerMinute,
		Logger:         s.logger,
	})

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close detaches every player, stops the workers and releases owned
// resources in reverse order.
func (s *Server) Close() error {
	if s.playout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.playout.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("playout shutdown error")
		}
		cancel()
	}
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// goWorker runs fn in the background until the workers are stopped.
func (s *Server) goWorker(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("worker", name).Msg("background worker exited")
		}
	}()
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.goWorker(ctx, "schedule", s.schedule.Run)
	s.goWorker(ctx, "progress", s.ledger.Run)

	if s.bridge != nil {
		s.goWorker(ctx, "eventbus", func(ctx context.Context) error {
			return s.bridge.Run(ctx, relayedEvents...)
		})
	}

	if s.election != nil {
		s.goWorker(ctx, "election", s.election.Run)
	} else {
		// Single node: sessions left open by a previous process are closed.
		if n, err := s.catalog.CloseOrphanedSessions(ctx, s.startedAt); err != nil {
			s.logger.Warn().Err(err).Msg("closing orphaned play sessions failed")
		} else if n > 0 {
			s.logger.Info().Int64("count", n).Msg("closed orphaned play sessions")
		}
	}

	if s.gateway != nil {
		if s.election != nil {
			s.goWorker(ctx, "mqtt_gateway", func(ctx context.Context) error {
				return leadership.Gate(ctx, s.election, "mqtt_gateway", s.logger, s.gateway.Run)
			})
		} else {
			s.goWorker(ctx, "mqtt_gateway", s.gateway.Run)
		}
	}

	s.goWorker(ctx, "db_metrics", func(ctx context.Context) error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	})
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", telemetry.Handler())
	s.api.Routes(s.router)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":          "ok",
		"attached_stores": len(s.playout.Sessions()),
	}
	if s.election != nil {
		resp["leader"] = s.election.IsLeader()
	}
	if s.gateway != nil {
		resp["mqtt_players"] = len(s.gateway.Players())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
