package outbox

import (
	"context"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/engine"
)

// DefaultMaxRetries is the per-row publish retry budget.
const DefaultMaxRetries = 5

// Appender stamps and appends outbox rows. It holds no storage itself: the
// caller passes the repository bound to the transaction that mutates core
// state, which is what makes the append transactional.
type Appender struct {
	clock      clock.Clock
	maxRetries int
}

// NewAppender returns an appender. Zero maxRetries means DefaultMaxRetries.
func NewAppender(clk clock.Clock, maxRetries int) *Appender {
	if clk == nil {
		clk = clock.Real{}
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Appender{clock: clk, maxRetries: maxRetries}
}

// Append stamps identity, status and timestamps on the event and inserts it
// through repo.
func (a *Appender) Append(ctx context.Context, repo Repository, ev *Event) error {
	if ev.Type == "" {
		return engine.Errorf(engine.KindValidation, "outbox event type is required")
	}
	now := a.clock.Now()
	ev.ID = uuid.NewString()
	ev.Status = StatusPending
	ev.CreateTime = now
	ev.UpdateTime = now
	if ev.MaxRetries == 0 {
		ev.MaxRetries = a.maxRetries
	}
	return repo.Append(ctx, ev)
}
