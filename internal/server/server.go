package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/adgate/internal/config"
	"github.com/developingchet/adgate/internal/pool"
	"github.com/developingchet/adgate/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Server wires together the gate HTTP API, the premium sync pool, and the
// operational endpoints.
type Server struct {
	cfg     *config.Config
	store   storage.Store
	pool    *pool.Pool
	limiter *RateLimiter
	janitor *Janitor
	log     zerolog.Logger
	now     func() time.Time
}

// New constructs a fully wired Server.
func New(cfg *config.Config, store storage.Store, log zerolog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}

	p, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, makePremiumHandler(store, log), log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	limiter := NewRateLimiter(cfg.APIRateRPS, cfg.APIRateBurst)

	return &Server{
		cfg:     cfg,
		store:   store,
		pool:    p,
		limiter: limiter,
		janitor: NewJanitor(store, p, limiter, cfg.JanitorInterval, log),
		log:     log,
		now:     time.Now,
	}, nil
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.log.Info().Str("version", BinaryVersion).Str("addr", s.cfg.ListenAddr).
		Int("pool_workers", s.cfg.PoolWorkers).Msg("gate server starting")
	s.pool.Start(gctx)

	g.Go(func() error {
		return serve(gctx, "api", s.cfg.ListenAddr, s.Handler(), s.log)
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serve(gctx, "metrics", s.cfg.MetricsAddr, mux, s.log)
		})
	}

	g.Go(func() error {
		return serve(gctx, "health", s.cfg.HealthAddr, s.healthHandler(), s.log)
	})

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	err := g.Wait()
	s.pool.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// healthHandler serves liveness and readiness. Ready means the store answers.
func (s *Server) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serve runs one HTTP listener until ctx is cancelled.
func serve(ctx context.Context, name, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info().Str("addr", addr).Msg(name + " server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// makePremiumHandler returns a JobHandler that persists premium flag updates.
func makePremiumHandler(store storage.Store, log zerolog.Logger) pool.JobHandler {
	return func(ctx context.Context, job pool.Job) error {
		if job.Kind != pool.KindPremiumSet {
			log.Warn().Str("kind", job.Kind).Msg("skipping: unknown job kind")
			return nil
		}
		at := job.At
		if at.IsZero() {
			at = time.Now()
		}
		if err := store.SetPremium(job.UserID, storage.PremiumRecord{
			IsPremium: job.IsPremium,
			Source:    job.Source,
			UpdatedAt: at.UTC(),
		}); err != nil {
			if errors.Is(err, storage.ErrClosed) {
				log.Warn().Str("user", job.UserID).Msg("store closed: dropping premium update")
				return nil
			}
			return fmt.Errorf("SetPremium: %w", err)
		}
		log.Info().Str("user", job.UserID).Bool("premium", job.IsPremium).
			Str("source", job.Source).Msg("premium flag applied")
		return nil
	}
}
