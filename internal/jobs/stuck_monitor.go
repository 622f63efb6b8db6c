package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"ean-import-service/internal/models"
	"ean-import-service/internal/services"
)

// StuckLister lists sessions whose analysis outlived the stale threshold
type StuckLister interface {
	ListStuckSessions(ctx context.Context) ([]services.StuckSession, error)
}

// StuckPublisher announces stuck sessions
type StuckPublisher interface {
	PublishStuck(ctx context.Context, session *models.ImportSession, stuckFor time.Duration) error
}

// StuckSummary describes the stuck sessions found by one check
type StuckSummary struct {
	Count         int
	MedianMinutes float64
	MaxMinutes    float64
}

// StuckSessionMonitor reports sessions stuck in analyzing_ean. It never
// changes session state; recovery happens through the analysis claim.
type StuckSessionMonitor struct {
	lister    StuckLister
	publisher StuckPublisher
	logger    *logrus.Logger
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu       sync.Mutex
	reported map[int64]time.Time
}

// NewStuckSessionMonitor creates a new stuck session monitor. publisher may be nil.
func NewStuckSessionMonitor(lister StuckLister, publisher StuckPublisher, logger *logrus.Logger, interval time.Duration) *StuckSessionMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckSessionMonitor{
		lister:    lister,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
		reported:  make(map[int64]time.Time),
	}
}

// Start begins the monitor
func (m *StuckSessionMonitor) Start(ctx context.Context) {
	m.logger.Info("Stuck session monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-m.stopCh:
			m.logger.Info("Stuck session monitor stopped")
			return
		case <-ctx.Done():
			m.logger.Info("Stuck session monitor context cancelled")
			return
		}
	}
}

// Stop signals the monitor to stop
func (m *StuckSessionMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Check lists stuck sessions, logs a summary and publishes one event per
// session the first time it is seen stuck for a given analysis start
func (m *StuckSessionMonitor) Check(ctx context.Context) StuckSummary {
	stuck, err := m.lister.ListStuckSessions(ctx)
	if err != nil {
		m.logger.Errorf("Failed to list stuck sessions: %v", err)
		return StuckSummary{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[int64]time.Time, len(stuck))
	for _, st := range stuck {
		startedAt := *st.Session.EANAnalysisAt
		current[st.Session.ID] = startedAt

		if prev, ok := m.reported[st.Session.ID]; ok && prev.Equal(startedAt) {
			continue
		}
		if m.publisher != nil {
			session := st.Session
			if err := m.publisher.PublishStuck(ctx, &session, st.StuckFor); err != nil {
				m.logger.WithError(err).WithField("sessionID", session.ID).Warn("Failed to publish stuck event")
			}
		}
	}
	m.reported = current

	summary := Summarize(stuck)
	if summary.Count == 0 {
		m.logger.Debug("No stuck sessions")
		return summary
	}

	m.logger.WithFields(logrus.Fields{
		"count":         summary.Count,
		"medianMinutes": summary.MedianMinutes,
		"maxMinutes":    summary.MaxMinutes,
	}).Warn("Sessions stuck in analyzing_ean")
	return summary
}

// Summarize computes the median and maximum stuck duration in minutes
func Summarize(stuck []services.StuckSession) StuckSummary {
	if len(stuck) == 0 {
		return StuckSummary{}
	}

	minutes := make([]float64, 0, len(stuck))
	for _, st := range stuck {
		minutes = append(minutes, st.StuckFor.Minutes())
	}

	summary := StuckSummary{Count: len(stuck)}
	if median, err := stats.Median(minutes); err == nil {
		summary.MedianMinutes, _ = stats.Round(median, 1)
	}
	if max, err := stats.Max(minutes); err == nil {
		summary.MaxMinutes, _ = stats.Round(max, 1)
	}
	return summary
}
