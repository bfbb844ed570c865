// Package timer drives time-based progress. The poller turns due timer
// subscriptions into engine work units and fires the timer start events of
// deployed definitions on their schedule.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/interpreter"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/telemetry"
)

const (
	// DefaultInterval is the due-subscription poll cadence.
	DefaultInterval = time.Second
	// DefaultBatch caps due rows per pass.
	DefaultBatch = 100
)

type (
	// PollerOptions configures a Poller.
	PollerOptions struct {
		// Subscriptions is the durable subscription registry. Required.
		Subscriptions *subscription.Registry
		// Definitions resolves timer start events. Required.
		Definitions *definition.Registry
		// Submit hands due subscriptions to the engine. Required.
		Submit func(interpreter.WorkItem)
		// Start launches a new instance from a definition timer start.
		// Required.
		Start func(ctx context.Context, es definition.EventStart) error
		// Interval is the poll cadence. Zero means DefaultInterval.
		Interval time.Duration
		// Batch caps due rows per pass. Zero means DefaultBatch.
		Batch int
		// Clock defaults to the real clock.
		Clock clock.Clock
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Poller scans for due timer subscriptions and resubmits each one as a
	// work unit, and keeps the firing schedule of definition-level timer
	// starts. The start schedule lives in memory, so a restart begins a
	// fresh cadence from the current time.
	Poller struct {
		subs     *subscription.Registry
		defs     *definition.Registry
		submit   func(interpreter.WorkItem)
		start    func(ctx context.Context, es definition.EventStart) error
		interval time.Duration
		batch    int
		clock    clock.Clock
		logger   telemetry.Logger

		mu        sync.Mutex
		inflight  map[string]time.Time
		schedules map[string]*startSchedule
		cancel    context.CancelFunc
		wg        sync.WaitGroup
	}

	// startSchedule tracks one definition timer start. A zero next time
	// marks a spent schedule that must not re-arm.
	startSchedule struct {
		next    time.Time
		repeats int
	}
)

// NewPoller validates the options and returns a stopped poller.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Subscriptions == nil {
		return nil, errors.New("subscription registry is required")
	}
	if opts.Definitions == nil {
		return nil, errors.New("definition registry is required")
	}
	if opts.Submit == nil {
		return nil, errors.New("submit is required")
	}
	if opts.Start == nil {
		return nil, errors.New("start is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Poller{
		subs:      opts.Subscriptions,
		defs:      opts.Definitions,
		submit:    opts.Submit,
		start:     opts.Start,
		interval:  opts.Interval,
		batch:     opts.Batch,
		clock:     opts.Clock,
		logger:    opts.Logger,
		inflight:  make(map[string]time.Time),
		schedules: make(map[string]*startSchedule),
	}, nil
}

// Start launches the poll loop. It returns immediately; Stop shuts the
// loop down.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("poller already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for it to finish.
func (p *Poller) Stop() {
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

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error(ctx, "timer pass failed", "error", err.Error())
			}
		}
	}
}

// Pass runs one poll: due subscriptions first, then definition timer
// starts. Tests call it directly instead of waiting on the ticker.
func (p *Poller) Pass(ctx context.Context) error {
	err := p.fireDue(ctx)
	if startErr := p.fireStarts(ctx); err == nil {
		err = startErr
	}
	return err
}

// fireDue submits a work unit per due subscription. A subscription
// already submitted for the same due time is skipped so slow consumers do
// not see the same tick twice.
func (p *Poller) fireDue(ctx context.Context) error {
	due, err := p.subs.Due(ctx, p.batch)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]time.Time, len(due))
	for _, sub := range due {
		if t, ok := p.inflight[sub.ID]; ok && t.Equal(sub.Config.DueTime) {
			seen[sub.ID] = t
			continue
		}
		seen[sub.ID] = sub.Config.DueTime
		p.submit(interpreter.WorkItem{
			Action:            interpreter.ActionResumeFromTimer,
			ProcessInstanceID: sub.ProcessInstanceID,
			SubscriptionID:    sub.ID,
		})
	}
	p.inflight = seen
	return nil
}

// fireStarts launches instances whose definition timer starts came due
// and advances each schedule to its next occurrence.
func (p *Poller) fireStarts(ctx context.Context) error {
	now := p.clock.Now()
	starts := p.defs.StartsByEvent(definition.EventTimer)
	p.mu.Lock()
	defer p.mu.Unlock()
	live := make(map[string]*startSchedule, len(starts))
	var firstErr error
	for _, es := range starts {
		key := es.Definition.ID + "/" + es.Start.ID
		sched, ok := p.schedules[key]
		if !ok {
			sched = p.arm(ctx, es, now)
			if sched == nil {
				continue
			}
		}
		live[key] = sched
		for !sched.next.IsZero() && !sched.next.After(now) {
			if err := p.start(ctx, es); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				p.logger.Error(ctx, "timer start failed",
					"definition_id", es.Definition.ID,
					"element_id", es.Start.ID,
					"error", err.Error())
			}
			p.advance(es, sched)
		}
	}
	p.schedules = live
	return firstErr
}

// arm compiles the start's timer and computes its first occurrence.
func (p *Poller) arm(ctx context.Context, es definition.EventStart, now time.Time) *startSchedule {
	if es.Start.Timer == nil {
		return nil
	}
	if err := es.Start.Timer.Compile(); err != nil {
		p.logger.Error(ctx, "timer start schedule invalid",
			"definition_id", es.Definition.ID,
			"element_id", es.Start.ID,
			"error", err.Error())
		return nil
	}
	s := es.Start.Timer.Schedule()
	first := s.FirstDue(now)
	if first.IsZero() {
		return nil
	}
	return &startSchedule{next: first, repeats: s.Repeats()}
}

func (p *Poller) advance(es definition.EventStart, sched *startSchedule) {
	if sched.repeats != definition.Unbounded {
		sched.repeats--
		if sched.repeats <= 0 {
			sched.next = time.Time{}
			return
		}
	}
	sched.next = es.Start.Timer.Schedule().NextDue(sched.next)
}
