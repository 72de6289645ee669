// Package janitor prunes terminal session records past their retention
// window on a cron schedule.
package janitor

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Store is the persistence surface the janitor needs
type Store interface {
	DeleteTerminalBefore(cutoff time.Time) (int64, error)
}

// Janitor deletes completed, failed, and cancelled sessions older than
// the retention window. Active sessions are never touched.
type Janitor struct {
	store     Store
	logger    *zap.Logger
	retention time.Duration
	schedule  cron.Schedule

	mu       sync.Mutex
	lastRun  time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a janitor. cronExpr uses the standard five-field syntax.
func New(store Store, logger *zap.Logger, cronExpr string, retention time.Duration) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Janitor{
		store:     store,
		logger:    logger,
		retention: retention,
		schedule:  schedule,
		stopChan:  make(chan struct{}),
	}, nil
}

// RunOnce prunes immediately and returns the number of deleted sessions
func (j *Janitor) RunOnce() (int64, error) {
	cutoff := time.Now().UTC().Add(-j.retention)
	deleted, err := j.store.DeleteTerminalBefore(cutoff)
	if err != nil {
		j.logger.Warn("session cleanup failed", zap.Error(err))
		return 0, err
	}

	j.mu.Lock()
	j.lastRun = time.Now()
	j.mu.Unlock()

	if deleted > 0 {
		j.logger.Info("pruned terminal sessions",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// NextRun returns the next scheduled cleanup time
func (j *Janitor) NextRun() time.Time {
	j.mu.Lock()
	last := j.lastRun
	j.mu.Unlock()
	if last.IsZero() {
		last = time.Now()
	}
	return j.schedule.Next(last)
}

// Start blocks, running cleanup when the schedule comes due. Call Stop
// to end the loop.
func (j *Janitor) Start() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			if j.due() {
				j.RunOnce()
			}
		}
	}
}

// Stop ends the scheduler loop
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *Janitor) due() bool {
	j.mu.Lock()
	last := j.lastRun
	j.mu.Unlock()
	if last.IsZero() {
		last = time.Now().Add(-24 * time.Hour)
	}
	return time.Now().After(j.schedule.Next(last))
}
