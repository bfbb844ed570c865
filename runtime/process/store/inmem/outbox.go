package inmem

import (
	"bytes"
	"context"
	"sort"
	"time"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/outbox"
)

type outboxRepo struct {
	s  *Store
	tx bool
}

// Append implements outbox.Repository.
func (r *outboxRepo) Append(_ context.Context, ev *outbox.Event) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if ev.ID == "" {
		return engine.Errorf(engine.KindValidation, "event id is required")
	}
	if _, ok := d.events[ev.ID]; ok {
		return engine.Errorf(engine.KindConflict, "event %s already exists", ev.ID)
	}
	d.outboxSeq++
	ev.Seq = d.outboxSeq
	rec := *ev
	rec.Payload = bytes.Clone(ev.Payload)
	d.events[ev.ID] = rec
	d.stamp("evt", ev.ID)
	return nil
}

// Get implements outbox.Repository.
func (r *outboxRepo) Get(_ context.Context, id string) (*outbox.Event, error) {
	defer r.s.enter(r.tx)()
	ev, ok := r.s.d.events[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "event %s not found", id)
	}
	ev.Payload = bytes.Clone(ev.Payload)
	return &ev, nil
}

// ListPending implements outbox.Repository.
func (r *outboxRepo) ListPending(_ context.Context, limit int) ([]*outbox.Event, error) {
	defer r.s.enter(r.tx)()
	out := r.matching(func(ev *outbox.Event) bool { return ev.Status == outbox.StatusPending })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPublished implements outbox.Repository.
func (r *outboxRepo) MarkPublished(_ context.Context, id string, now time.Time) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	ev, ok := d.events[id]
	if !ok {
		return engine.Errorf(engine.KindNotFound, "event %s not found", id)
	}
	ev.Status = outbox.StatusPublished
	ev.UpdateTime = now
	d.events[id] = ev
	return nil
}

// MarkProcessed implements outbox.Repository.
func (r *outboxRepo) MarkProcessed(_ context.Context, id string, now time.Time) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	ev, ok := d.events[id]
	if !ok {
		return engine.Errorf(engine.KindNotFound, "event %s not found", id)
	}
	ev.Status = outbox.StatusProcessed
	ev.UpdateTime = now
	ev.ProcessedTime = now
	d.events[id] = ev
	return nil
}

// MarkFailed implements outbox.Repository.
func (r *outboxRepo) MarkFailed(_ context.Context, id, errorMessage string, now time.Time) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	ev, ok := d.events[id]
	if !ok {
		return engine.Errorf(engine.KindNotFound, "event %s not found", id)
	}
	ev.Status = outbox.StatusFailed
	ev.RetryCount++
	ev.ErrorMessage = errorMessage
	ev.UpdateTime = now
	d.events[id] = ev
	return nil
}

// ResetFailed implements outbox.Repository.
func (r *outboxRepo) ResetFailed(_ context.Context, limit int, now time.Time) (int, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	retryable := r.matching(func(ev *outbox.Event) bool {
		return ev.Status == outbox.StatusFailed && ev.RetryCount < ev.MaxRetries
	})
	if limit > 0 && len(retryable) > limit {
		retryable = retryable[:limit]
	}
	for _, ev := range retryable {
		rec := d.events[ev.ID]
		rec.Status = outbox.StatusPending
		rec.UpdateTime = now
		d.events[ev.ID] = rec
	}
	return len(retryable), nil
}

// DeadLetters implements outbox.Repository.
func (r *outboxRepo) DeadLetters(_ context.Context, limit int) ([]*outbox.Event, error) {
	defer r.s.enter(r.tx)()
	out := r.matching(func(ev *outbox.Event) bool { return ev.DeadLettered() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteProcessedBefore implements outbox.Repository.
func (r *outboxRepo) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var n int
	for id, ev := range d.events {
		if ev.Status == outbox.StatusProcessed && ev.ProcessedTime.Before(cutoff) {
			delete(d.events, id)
			d.unstamp("evt", id)
			n++
		}
	}
	return n, nil
}

// ByInstance implements outbox.Repository.
func (r *outboxRepo) ByInstance(_ context.Context, processInstanceID string) ([]*outbox.Event, error) {
	defer r.s.enter(r.tx)()
	return r.matching(func(ev *outbox.Event) bool {
		return ev.ProcessInstanceID == processInstanceID
	}), nil
}

// matching gathers rows ordered by (CreateTime, Seq) ascending. The caller
// holds the store mutex.
func (r *outboxRepo) matching(match func(*outbox.Event) bool) []*outbox.Event {
	d := r.s.d
	var out []*outbox.Event
	for _, ev := range d.events {
		rec := ev
		if !match(&rec) {
			continue
		}
		rec.Payload = bytes.Clone(ev.Payload)
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.Before(out[j].CreateTime)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
