// Package trigger wakes the dispatcher out-of-band: on a periodic
// schedule, and immediately when connectivity returns. It invokes the
// same drain entry point as the foreground loop; only the invocation
// source differs.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/field-sync/field-sync/internal/observability"
	"go.uber.org/zap"
)

// Drainer is the dispatcher entry point the trigger invokes
type Drainer interface {
	Drain(ctx context.Context) error
}

// Trigger schedules background drain cycles
type Trigger struct {
	drainer  Drainer
	interval time.Duration
	maintain func(ctx context.Context) // periodic housekeeping, may be nil
	logger   *observability.Logger

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTrigger creates a background sync trigger
func NewTrigger(drainer Drainer, interval time.Duration, maintain func(ctx context.Context), logger *observability.Logger) *Trigger {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Trigger{
		drainer:  drainer,
		interval: interval,
		maintain: maintain,
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the trigger loop
func (t *Trigger) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop halts the trigger and waits for an in-progress drain to return
func (t *Trigger) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Wake requests an immediate drain cycle. Multiple wakes while a drain
// is pending coalesce into one.
func (t *Trigger) Wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *Trigger) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	maintenance := time.NewTicker(time.Hour)
	defer maintenance.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.wakeCh:
			t.drain(ctx)
		case <-ticker.C:
			t.drain(ctx)
		case <-maintenance.C:
			if t.maintain != nil {
				t.maintain(ctx)
			}
		}
	}
}

func (t *Trigger) drain(ctx context.Context) {
	if err := t.drainer.Drain(ctx); err != nil {
		t.logger.Warn("background drain cycle failed", zap.Error(err))
	}
}
