package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/telemetry"
)

// Bus is the publish side of the lifecycle event bus. The in-process hooks
// bus and the broker adapters implement it.
type Bus interface {
	Publish(ctx context.Context, topic string, ev *Event) error
}

const (
	// DefaultBatchSize caps one publisher pass.
	DefaultBatchSize = 100
	// DefaultInterval is the pending-row poll interval.
	DefaultInterval = 10 * time.Second
	// DefaultRetryInterval is the failed-row reset interval.
	DefaultRetryInterval = time.Minute
)

type (
	// PublisherOptions configures a Publisher.
	PublisherOptions struct {
		// Repo is the outbox repository. Required.
		Repo Repository
		// Bus receives the published events. Required.
		Bus Bus
		// Clock defaults to the real clock.
		Clock clock.Clock
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
		// BatchSize caps rows per pass. Zero means DefaultBatchSize.
		BatchSize int
		// Interval is the pending poll cadence. Zero means DefaultInterval.
		Interval time.Duration
		// RetryInterval is the failed reset cadence. Zero means
		// DefaultRetryInterval.
		RetryInterval time.Duration
		// PublishRate caps publishes per second. Zero means unlimited.
		PublishRate float64
		// MarkProcessed promotes rows to PROCESSED right after a
		// successful publish. Set it when the bus dispatches handlers
		// synchronously, as the in-process bus does; broker adapters leave
		// it off and mark rows from their ack path.
		MarkProcessed bool
	}

	// Publisher drains PENDING outbox rows to the bus and resets retryable
	// FAILED rows. Delivery is at least once: consumers must dedupe on the
	// event ID.
	Publisher struct {
		repo          Repository
		bus           Bus
		clock         clock.Clock
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		batchSize     int
		interval      time.Duration
		retryInterval time.Duration
		limiter       *rate.Limiter
		markProcessed bool

		mu     sync.Mutex
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// NewPublisher validates the options and returns a stopped publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Repo == nil {
		return nil, errors.New("outbox repository is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), 1)
	}
	return &Publisher{
		repo:          opts.Repo,
		bus:           opts.Bus,
		clock:         opts.Clock,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		batchSize:     opts.BatchSize,
		interval:      opts.Interval,
		retryInterval: opts.RetryInterval,
		limiter:       limiter,
		markProcessed: opts.MarkProcessed,
	}, nil
}

// Start launches the publish and retry loops. It returns immediately;
// Stop shuts both loops down.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("publisher already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(2)
	go p.publishLoop(ctx)
	go p.retryLoop(ctx)
	return nil
}

// Stop cancels the loops and waits for them to finish.
func (p *Publisher) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Publisher) publishLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error(ctx, "outbox publish pass failed", "error", err.Error())
			}
		}
	}
}

func (p *Publisher) retryLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RetryPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error(ctx, "outbox retry pass failed", "error", err.Error())
			}
		}
	}
}

// Pass publishes up to one batch of PENDING rows in (CreateTime, Seq)
// order. It returns how many rows it published successfully.
func (p *Publisher) Pass(ctx context.Context) (int, error) {
	rows, err := p.repo.ListPending(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	var published int
	for _, row := range rows {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return published, err
			}
		}
		topic := row.Type.Topic(row.EventCode)
		if err := p.bus.Publish(ctx, topic, row); err != nil {
			now := p.clock.Now()
			if markErr := p.repo.MarkFailed(ctx, row.ID, err.Error(), now); markErr != nil {
				return published, markErr
			}
			p.metrics.IncCounter("outbox_publish_failures", 1, "topic", topic)
			p.logger.Warn(ctx, "outbox publish failed",
				"event_id", row.ID,
				"event_type", string(row.Type),
				"topic", topic,
				"retry_count", row.RetryCount+1,
				"error", err.Error(),
			)
			continue
		}
		now := p.clock.Now()
		if err := p.repo.MarkPublished(ctx, row.ID, now); err != nil {
			return published, err
		}
		if p.markProcessed {
			if err := p.repo.MarkProcessed(ctx, row.ID, now); err != nil {
				return published, err
			}
		}
		p.metrics.IncCounter("outbox_published", 1, "topic", topic)
		published++
	}
	return published, nil
}

// Drain runs passes until no PENDING rows remain. Tests use it to observe
// the fully drained state without waiting on tickers.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	var total int
	for {
		rows, err := p.repo.ListPending(ctx, p.batchSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		n, err := p.Pass(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			// Every remaining row failed to publish; leave them to the
			// retry loop.
			return total, nil
		}
	}
}

// RetryPass flips FAILED rows with retry budget left back to PENDING.
func (p *Publisher) RetryPass(ctx context.Context) (int, error) {
	n, err := p.repo.ResetFailed(ctx, p.batchSize, p.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.metrics.IncCounter("outbox_retries", float64(n))
		p.logger.Info(ctx, "outbox rows rescheduled", "count", n)
	}
	return n, nil
}
