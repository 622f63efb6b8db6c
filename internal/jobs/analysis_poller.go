package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ean-import-service/internal/services"
)

// AnalysisTrigger runs one analysis pass
type AnalysisTrigger interface {
	TriggerAnalysis(ctx context.Context) services.TriggerResult
}

// maxRunsPerTick bounds how many sessions one worker drains per tick
const maxRunsPerTick = 500

// AnalysisPoller drains the analyzing_ean queue on a fixed interval
type AnalysisPoller struct {
	trigger  AnalysisTrigger
	logger   *logrus.Logger
	interval time.Duration
	workers  int
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAnalysisPoller creates a new analysis poller
func NewAnalysisPoller(trigger AnalysisTrigger, logger *logrus.Logger, interval time.Duration, workers int) *AnalysisPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if workers < 1 {
		workers = 1
	}
	return &AnalysisPoller{
		trigger:  trigger,
		logger:   logger,
		interval: interval,
		workers:  workers,
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling until Stop is called or ctx is cancelled
func (p *AnalysisPoller) Start(ctx context.Context) {
	p.logger.WithFields(logrus.Fields{
		"interval": p.interval.String(),
		"workers":  p.workers,
	}).Info("Analysis poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run immediately on start
	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-p.stopCh:
			p.logger.Info("Analysis poller stopped")
			return
		case <-ctx.Done():
			p.logger.Info("Analysis poller context cancelled")
			return
		}
	}
}

// Stop signals the poller to stop
func (p *AnalysisPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// RunOnce drains the queue with the configured number of workers and
// returns how many sessions were picked up
func (p *AnalysisPoller) RunOnce(ctx context.Context) int {
	counts := make([]int, p.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			n, err := p.drain(gctx, worker)
			counts[worker] = n
			return err
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Warn("Analysis run interrupted")
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		p.logger.Infof("Analysis run processed %d session(s)", total)
	} else {
		p.logger.Debug("No sessions ready for analysis")
	}
	return total
}

// drain triggers analysis until the queue is empty, a lookup fails or a
// session that already errored this tick comes back. Without claims a failed
// run can leave the row in analyzing_ean, and the oldest-first pick would hand
// it out again on every loop.
func (p *AnalysisPoller) drain(ctx context.Context, worker int) (int, error) {
	processed := 0
	errored := make(map[int64]bool)
	for i := 0; i < maxRunsPerTick; i++ {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		case <-p.stopCh:
			return processed, nil
		default:
		}

		result := p.trigger.TriggerAnalysis(ctx)
		if result.Processed == 0 {
			if result.Status == services.TriggerError {
				p.logger.WithField("worker", worker).Warnf("Analysis lookup failed: %s", result.Message)
			}
			return processed, nil
		}
		if result.Status == services.TriggerError && result.SessionID != nil && errored[*result.SessionID] {
			p.logger.WithFields(logrus.Fields{
				"worker":    worker,
				"sessionID": *result.SessionID,
			}).Warn("Session failed again in the same run, deferring to next tick")
			return processed, nil
		}
		processed += result.Processed

		entry := p.logger.WithFields(logrus.Fields{
			"worker":        worker,
			"sessionID":     *result.SessionID,
			"sessionStatus": result.SessionStatus,
		})
		if result.Status == services.TriggerError {
			if result.SessionID != nil {
				errored[*result.SessionID] = true
			}
			entry.WithField("code", result.Code).Warn(result.Message)
		} else {
			entry.Debug(result.Message)
		}
	}
	return processed, nil
}
