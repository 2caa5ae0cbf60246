package authflow

import (
	"context"
	"time"

	"consentbot-go/internal/metrics"
	"consentbot-go/internal/store"
	"consentbot-go/internal/worker"

	"github.com/rs/zerolog"
)

// RefreshSweeper periodically scans the store for validated tokens that are
// about to expire and refreshes them through the worker pool, so interactive
// commands rarely hit the lazy refresh path. Lazy refresh in ValidToken
// remains the correctness mechanism; the sweeper is an optimization.
type RefreshSweeper struct {
	ctrl     *Controller
	lister   store.RefreshLister
	pool     *worker.Pool
	interval time.Duration
	leeway   time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefreshSweeper creates a sweeper that runs every interval and refreshes
// tokens expiring within leeway.
func NewRefreshSweeper(ctrl *Controller, lister store.RefreshLister, pool *worker.Pool, interval, leeway time.Duration, logger zerolog.Logger) *RefreshSweeper {
	return &RefreshSweeper{
		ctrl:     ctrl,
		lister:   lister,
		pool:     pool,
		interval: interval,
		leeway:   leeway,
		logger:   logger,
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *RefreshSweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *RefreshSweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *RefreshSweeper) sweep(ctx context.Context) {
	keys, err := s.lister.ListRefreshable(ctx, time.Now().Add(s.leeway))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list refreshable tokens")
		return
	}

	for _, key := range keys {
		if key.Provider != s.ctrl.Provider().Name() {
			continue
		}
		userID := key.UserID
		submitted := s.pool.Submit(func(taskCtx context.Context) error {
			metrics.RefreshJobsInFlight.Inc()
			defer metrics.RefreshJobsInFlight.Dec()
			return s.ctrl.RefreshStored(taskCtx, userID, s.leeway)
		})
		if !submitted {
			// Queue is full; the next sweep or the lazy path picks it up.
			s.logger.Warn().Str("user", userID).Msg("refresh queue full, skipping user")
		}
	}
}
