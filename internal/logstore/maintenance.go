package logstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Maintainer periodically deletes log entries older than the retention
// window.
type Maintainer struct {
	store     *Store
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintainer creates a maintainer. Non-positive interval or retention fall
// back to one hour and seven days.
func NewMaintainer(store *Store, interval, retention time.Duration, logger *zap.Logger) *Maintainer {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Maintainer{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Start begins the sweep loop. The first sweep runs immediately.
func (m *Maintainer) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop signals the loop to stop and waits for any in-flight sweep.
func (m *Maintainer) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Maintainer) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	removed, err := m.store.Cleanup(ctx, m.retention)
	if err != nil {
		m.logger.Warn("log retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		m.logger.Info("log retention sweep", zap.Int64("removed", removed))
	}
}
