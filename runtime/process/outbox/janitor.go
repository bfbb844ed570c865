package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/telemetry"
)

// DefaultRetention is how long PROCESSED rows are kept before the janitor
// deletes them.
const DefaultRetention = 30 * 24 * time.Hour

type (
	// JanitorOptions configures a Janitor.
	JanitorOptions struct {
		// Repo is the outbox repository. Required.
		Repo Repository
		// Clock defaults to the real clock.
		Clock clock.Clock
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Retention is how long processed rows survive. Zero means
		// DefaultRetention.
		Retention time.Duration
		// Interval is the purge cadence for Start. Zero means one hour.
		Interval time.Duration
	}

	// Janitor deletes PROCESSED rows older than the retention window.
	// FAILED rows are never purged; dead letters stay visible until an
	// operator resolves them.
	Janitor struct {
		repo      Repository
		clock     clock.Clock
		logger    telemetry.Logger
		retention time.Duration
		interval  time.Duration

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// NewJanitor validates the options and returns a stopped janitor.
func NewJanitor(opts JanitorOptions) (*Janitor, error) {
	if opts.Repo == nil {
		return nil, errors.New("outbox repository is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Janitor{
		repo:      opts.Repo,
		clock:     opts.Clock,
		logger:    opts.Logger,
		retention: opts.Retention,
		interval:  opts.Interval,
	}, nil
}

// Purge deletes processed rows older than the retention window and returns
// how many were removed.
func (j *Janitor) Purge(ctx context.Context) (int, error) {
	cutoff := j.clock.Now().Add(-j.retention)
	n, err := j.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info(ctx, "outbox rows purged", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// ListDeadLetters returns FAILED rows whose retry budget is spent. They are
// never purged automatically; operators inspect and resolve them.
func (j *Janitor) ListDeadLetters(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return j.repo.DeadLetters(ctx, limit)
}

// Start launches the purge loop. Stop shuts it down.
func (j *Janitor) Start(ctx context.Context) error {
	if j.cancel != nil {
		return errors.New("janitor already started")
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.purgeLoop(ctx)
	return nil
}

// Stop cancels the purge loop and waits for it to finish.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	j.cancel = nil
	j.wg.Wait()
}

func (j *Janitor) purgeLoop(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Purge(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.Error(ctx, "outbox purge failed", "error", err.Error())
			}
		}
	}
}
