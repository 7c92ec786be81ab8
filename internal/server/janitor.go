package server

import (
	"context"
	"time"

	"github.com/developingchet/adgate/internal/metrics"
	"github.com/developingchet/adgate/internal/pool"
	"github.com/developingchet/adgate/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: refreshing gauges and evicting idle
// rate limiter buckets. It never deletes client history.
type Janitor struct {
	store      storage.Store
	workerPool *pool.Pool
	limiter    *RateLimiter
	interval   time.Duration
	log        zerolog.Logger
}

// NewJanitor creates a Janitor. workerPool and limiter may be nil.
func NewJanitor(store storage.Store, workerPool *pool.Pool, limiter *RateLimiter, interval time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		store:      store,
		workerPool: workerPool,
		limiter:    limiter,
		interval:   interval,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	clients, err := j.store.CountClients()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: count clients failed")
	} else {
		metrics.TrackedClients.Set(float64(clients))
	}

	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	if j.limiter.Enabled() {
		if remaining := j.limiter.Cleanup(); remaining > 0 {
			j.log.Debug().Int("buckets", remaining).Msg("janitor: rate limiter swept")
		}
	}

	j.log.Debug().Msg("janitor: tick complete")
}
