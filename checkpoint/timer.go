// Package checkpoint implements the process-wide timer thread (C9): it
// walks every healthy volume on an interval, persisting the running I/O
// number through the engine before advancing the in-memory checkpoint.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/stats"
	"github.com/cloudbyte/zrepl-core/volume"
)

// DefaultInterval matches the source timer's hard floor: volumes are
// rechecked at least this often even if no deadline has expired yet.
const DefaultInterval = 600 * time.Second

// Timer is the single process-wide checkpoint goroutine.
type Timer struct {
	Registry *volume.Registry
	Stats    *stats.Stats

	mu      sync.Mutex
	wake    chan struct{}
	closing chan struct{}
}

// NewTimer creates a Timer bound to reg. Call Run to start it.
func NewTimer(reg *volume.Registry) *Timer {
	return &Timer{
		Registry: reg,
		wake:     make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
}

// Run loops until ctx is done, checkpointing every HEALTHY volume whose
// deadline has passed and sleeping until the nearest remaining deadline
// (or DefaultInterval, whichever is sooner), or until woken early by
// UpdateIonumInterval.
func (t *Timer) Run(ctx context.Context) error {
	for {
		minWait := DefaultInterval
		now := time.Now()

		t.Registry.Each(func(v *volume.Info) {
			if !v.IsHealthy() {
				return
			}
			interval := time.Duration(v.UpdateInterval.Load()) * time.Second
			last := time.Unix(v.CheckpointedTime.Load(), 0)
			next := last.Add(interval)
			if !next.After(now) {
				persist := func(n uint64) error { return v.Zv.StoreLastCommittedIoNo(ctx, n) }
				if err := v.CheckpointNow(persist, now); err != nil {
					nlog.Warnf("checkpoint: persist failed for %s: %v", v.Name, err)
					return
				}
				next = now.Add(interval)
			}
			if t.Stats != nil {
				t.Stats.ObserveCheckpointLag(v, now)
			}
			if wait := next.Sub(now); wait < minWait {
				minWait = wait
			}
		})

		select {
		case <-ctx.Done():
			return nil
		case <-t.closing:
			return nil
		case <-time.After(minWait):
		case <-t.wake:
		}
	}
}

// UpdateIonumInterval changes a volume's checkpoint interval and wakes
// the timer so it re-evaluates deadlines immediately. timeout==0 means
// "just wake up, don't change the interval" -- used after a rebuild
// promotes a volume to HEALTHY.
func (t *Timer) UpdateIonumInterval(v *volume.Info, timeout time.Duration) {
	if timeout != 0 {
		v.UpdateInterval.Store(int64(timeout / time.Second))
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Stop signals Run to exit even if ctx is still live.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closing:
	default:
		close(t.closing)
	}
}

// RunGroup joins the timer with other process goroutines (acceptor,
// mgmt server) under one errgroup so a shutdown signal brings all of
// them down together.
func RunGroup(ctx context.Context, g *errgroup.Group, t *Timer) {
	g.Go(func() error { return t.Run(ctx) })
}
