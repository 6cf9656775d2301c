// Package sweeper periodically disposes of expired jobs, workflows, and
// transfers (spec.md §4.7). Its cadence is a cron expression when one is
// configured, falling back to a plain ticker otherwise.
package sweeper

import (
	"context"
	"time"

	"github.com/isadenghien/soma-workflow/pkg/engine"
	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/metrics"
	"github.com/isadenghien/soma-workflow/pkg/store"
	"github.com/isadenghien/soma-workflow/pkg/transfer"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is the ticker-based fallback cadence when no cron
// expression is configured.
const DefaultTickInterval = 5 * time.Minute

// Sweeper runs disposal sweeps at a configured cadence. It never holds a
// lock across more than one entity's disposal.
type Sweeper struct {
	store  store.Store
	engine *engine.Engine
	xfer   *transfer.Coordinator
	logger zerolog.Logger

	cronExpr     string
	tickInterval time.Duration

	cronRunner *cron.Cron
	ticker     *time.Ticker
	stopCh     chan struct{}
}

// New builds a Sweeper. cronExpr may be empty, in which case the sweeper
// runs on tickInterval (or DefaultTickInterval, if that is also zero).
func New(st store.Store, eng *engine.Engine, xfer *transfer.Coordinator, cronExpr string, tickInterval time.Duration) *Sweeper {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Sweeper{
		store:        st,
		engine:       eng,
		xfer:         xfer,
		logger:       log.WithComponent("sweeper"),
		cronExpr:     cronExpr,
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the sweep cadence.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cronExpr != "" {
		s.cronRunner = cron.New()
		_, err := s.cronRunner.AddFunc(s.cronExpr, func() {
			if err := s.sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep cycle failed")
			}
		})
		if err != nil {
			return err
		}
		s.cronRunner.Start()
		return nil
	}

	s.ticker = time.NewTicker(s.tickInterval)
	go func() {
		for {
			select {
			case <-s.ticker.C:
				if err := s.sweep(ctx); err != nil {
					s.logger.Error().Err(err).Msg("sweep cycle failed")
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the sweep cadence.
func (s *Sweeper) Stop() {
	if s.cronRunner != nil {
		s.cronRunner.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// sweep performs one disposal pass: expired jobs and workflows first, then
// expired transfers whose reference count has dropped to zero.
func (s *Sweeper) sweep(ctx context.Context) error {
	metrics.SweepCyclesTotal.Inc()
	now := time.Now()

	expiredJobs, err := s.store.ListExpiredJobs(now)
	if err != nil {
		return err
	}
	for _, job := range expiredJobs {
		if err := s.engine.DisposeJob(ctx, job.UserID, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dispose expired job failed")
			continue
		}
		metrics.SweptEntitiesTotal.WithLabelValues("job").Inc()
	}

	expiredWorkflows, err := s.store.ListExpiredWorkflows(now)
	if err != nil {
		return err
	}
	for _, wf := range expiredWorkflows {
		if err := s.engine.DisposeWorkflow(ctx, wf.UserID, wf.ID); err != nil {
			s.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("dispose expired workflow failed")
			continue
		}
		metrics.SweptEntitiesTotal.WithLabelValues("workflow").Inc()
	}

	deletedTransfers, err := s.xfer.Sweep(now)
	if err != nil {
		return err
	}
	if deletedTransfers > 0 {
		metrics.SweptEntitiesTotal.WithLabelValues("transfer").Add(float64(deletedTransfers))
	}

	s.logger.Debug().
		Int("jobs", len(expiredJobs)).
		Int("workflows", len(expiredWorkflows)).
		Int("transfers", deletedTransfers).
		Msg("sweep cycle complete")
	return nil
}
