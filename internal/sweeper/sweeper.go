// Package sweeper drives a store.Store's cleanup operation on a
// schedule, for backends (sqlstore, rediskv) that don't bundle their own
// cleanup ticker the way internal/store/memory does.
//
// Reference: spec §4.2 cleanup, §6 cleanupInterval/maxRecords.
package sweeper

import (
	"context"
	"strconv"
	"time"

	"quantumlife-idempotency/pkg/clock"
	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/store"
)

// Config controls one sweeper.
type Config struct {
	// Interval between ticks. Required for Start; Run ignores it.
	Interval time.Duration

	// Opts is passed to every Cleanup call. BatchSize defaults to 1000
	// when zero.
	Opts store.CleanupOptions

	Emitter events.Emitter

	// Clock provides the current time passed to Cleanup. Defaults to
	// clock.NewReal().
	Clock clock.Clock
}

// Sweeper periodically calls Cleanup on a Store.
type Sweeper struct {
	store store.Store
	cfg   Config
	stop  func()
}

// New builds a Sweeper over s.
func New(s store.Store, cfg Config) *Sweeper {
	if cfg.Opts.BatchSize <= 0 {
		cfg.Opts.BatchSize = 1000
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NoopEmitter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	return &Sweeper{store: s, cfg: cfg, stop: func() {}}
}

// Run performs one full sweep: it keeps calling Cleanup with the
// configured options until the backend reports Exhausted or ctx is
// canceled, accumulating the deleted count across batches.
func (sw *Sweeper) Run(ctx context.Context) (store.CleanupResult, error) {
	var total store.CleanupResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := sw.store.Cleanup(ctx, sw.cfg.Clock.Now(), sw.cfg.Opts)
		if err != nil {
			return total, err
		}
		total.DeletedCount += res.DeletedCount
		total.ScannedCount += res.ScannedCount
		total.NextExpirationEstimate = res.NextExpirationEstimate

		sw.cfg.Emitter.Emit(events.Event{
			Type:      events.EventCleanupSwept,
			Timestamp: sw.cfg.Clock.Now(),
			Metadata: map[string]string{
				"deleted_count": strconv.Itoa(res.DeletedCount),
				"scanned_count": strconv.Itoa(res.ScannedCount),
			},
		})

		if res.Exhausted {
			total.Exhausted = true
			return total, nil
		}
	}
}

// Start begins a background goroutine calling Run every Interval, using
// the background context. Stop ends the goroutine. Start is a no-op if
// Interval is not positive.
func (sw *Sweeper) Start() {
	if sw.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(sw.cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				_, _ = sw.Run(context.Background())
			case <-done:
				return
			}
		}
	}()

	sw.stop = func() {
		ticker.Stop()
		close(done)
	}
}

// Stop ends the background goroutine started by Start, if any.
func (sw *Sweeper) Stop() {
	sw.stop()
}
