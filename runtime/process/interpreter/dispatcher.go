package interpreter

import (
	"context"
	"hash/fnv"
	"sync"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/telemetry"
)

type (
	// Processor runs one work unit and returns the follow-up units it
	// produced. Interpreter implements it.
	Processor interface {
		Process(ctx context.Context, item WorkItem) ([]WorkItem, error)
	}

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		// Lanes is the number of serial lanes. Defaults to 8.
		Lanes int
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Dispatcher fans work units out over a fixed set of lanes. Units for
	// one process instance always hash to the same lane, and the follow-ups
	// a unit produces for that instance run on the lane back to back before
	// the next queued unit, so every instance observes strictly serial
	// execution while distinct instances proceed in parallel.
	Dispatcher struct {
		proc   Processor
		logger telemetry.Logger
		lanes  []*lane
		wg     sync.WaitGroup
		ctx    context.Context
		cancel context.CancelFunc

		mu      sync.Mutex
		pending int
		waiters []chan struct{}
		closed  bool
	}

	lane struct {
		mu    sync.Mutex
		queue []job
		wake  chan struct{}
	}

	job struct {
		item WorkItem
		done chan error
	}
)

// NewDispatcher starts the lanes and returns the dispatcher.
func NewDispatcher(p Processor, o DispatcherOptions) *Dispatcher {
	if o.Lanes <= 0 {
		o.Lanes = 8
	}
	if o.Logger == nil {
		o.Logger = telemetry.NoopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		proc:   p,
		logger: o.Logger,
		lanes:  make([]*lane, o.Lanes),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = &lane{wake: make(chan struct{}, 1)}
		d.wg.Add(1)
		go d.run(d.lanes[i])
	}
	return d
}

// Submit queues a work unit. Units submitted after Close are dropped.
func (d *Dispatcher) Submit(item WorkItem) {
	d.submit(job{item: item})
}

// SubmitAndWait queues a work unit and blocks until the unit and every
// follow-up it produced for the same instance have run. It returns the
// first error the chain hit.
func (d *Dispatcher) SubmitAndWait(ctx context.Context, item WorkItem) error {
	done := make(chan error, 1)
	d.submit(job{item: item, done: done})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// WaitIdle blocks until no work unit is queued or running.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	if d.pending == 0 {
		d.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w:
		return nil
	}
}

// Close cancels in-flight work and stops the lanes. Call WaitIdle first
// for a clean stop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) submit(j job) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn(context.Background(), "work unit dropped, dispatcher closed",
			"process_instance_id", j.item.ProcessInstanceID,
			"action", string(j.item.Action))
		if j.done != nil {
			j.done <- engine.Errorf(engine.KindConflict, "dispatcher closed")
		}
		return
	}
	d.pending++
	d.mu.Unlock()
	d.laneFor(j.item.ProcessInstanceID).push(j)
}

func (d *Dispatcher) laneFor(processInstanceID string) *lane {
	h := fnv.New32a()
	h.Write([]byte(processInstanceID))
	return d.lanes[int(h.Sum32())%len(d.lanes)]
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()
	for {
		j, ok := l.pop()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}
		d.runChain(j)
	}
}

// runChain processes a unit and then, in FIFO order, the follow-ups it
// produced for the same instance. Follow-ups for other instances are
// resubmitted so they land on their own lane.
func (d *Dispatcher) runChain(j job) {
	defer d.finish()
	chain := []WorkItem{j.item}
	var firstErr error
	for len(chain) > 0 {
		item := chain[0]
		chain = chain[1:]
		followups, err := d.proc.Process(d.ctx, item)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if j.done == nil {
				d.logger.Warn(d.ctx, "work unit failed",
					"process_instance_id", item.ProcessInstanceID,
					"action", string(item.Action),
					"error", err)
			}
			continue
		}
		for _, f := range followups {
			if f.ProcessInstanceID == item.ProcessInstanceID {
				chain = append(chain, f)
			} else {
				d.Submit(f)
			}
		}
	}
	if j.done != nil {
		j.done <- firstErr
	}
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.pending--
	if d.pending == 0 {
		for _, w := range d.waiters {
			close(w)
		}
		d.waiters = nil
	}
	d.mu.Unlock()
}

func (l *lane) push(j job) {
	l.mu.Lock()
	l.queue = append(l.queue, j)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return job{}, false
	}
	j := l.queue[0]
	l.queue = l.queue[1:]
	return j, true
}
