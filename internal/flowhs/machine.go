package flowhs

import (
	"context"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
)

// Machine is the registry's view of one running operation.
type Machine interface {
	Key() string
	FlowID() string
	Operation() Operation
	State() fsm.State
	IsTerminated() bool
	Fire(ctx context.Context, event fsm.Event, payload any) error
	// Deadline is set while the machine waits for speaker responses.
	Deadline() (time.Time, bool)
}

// Runner drives an fsm.Machine for one operation and implements Machine.
// States listed as suspended get a deadline of SpeakerTimeout from the
// moment they are entered.
type Runner[T Subject] struct {
	machine   *fsm.Machine[T]
	subject   T
	op        Operation
	deps      *Deps
	suspended map[fsm.State]bool
	started   time.Time
	enteredAt time.Time
}

// NewRunner starts a machine over def for subject and counts the operation
// as started.
func NewRunner[T Subject](def *fsm.Definition[T], subject T, op Operation, deps *Deps, suspended ...fsm.State) *Runner[T] {
	r := &Runner[T]{
		subject:   subject,
		op:        op,
		deps:      deps,
		suspended: make(map[fsm.State]bool, len(suspended)),
		started:   deps.Now(),
	}
	for _, s := range suspended {
		r.suspended[s] = true
	}
	r.machine = def.NewMachine(subject, r.onTransition)
	deps.Metrics.OperationStarted(string(op))
	return r
}

func (r *Runner[T]) Key() string          { return r.subject.Key() }
func (r *Runner[T]) FlowID() string       { return r.subject.FlowID() }
func (r *Runner[T]) Operation() Operation { return r.op }
func (r *Runner[T]) State() fsm.State     { return r.machine.State() }
func (r *Runner[T]) IsTerminated() bool   { return r.machine.IsTerminated() }
func (r *Runner[T]) Subject() T           { return r.subject }

// Fire delivers event with a logger scoped to the operation on ctx.
func (r *Runner[T]) Fire(ctx context.Context, event fsm.Event, payload any) error {
	log := r.deps.Logger(ctx).With(
		logging.String("key", r.Key()),
		logging.String("flow_id", r.FlowID()),
		logging.String("operation", string(r.op)),
	)
	ctx = logging.ContextWithLogger(ctx, log)
	return r.machine.Fire(ctx, event, payload)
}

func (r *Runner[T]) Deadline() (time.Time, bool) {
	if r.machine.IsTerminated() || !r.suspended[r.machine.State()] {
		return time.Time{}, false
	}
	return r.enteredAt.Add(r.deps.Config.SpeakerTimeout), true
}

func (r *Runner[T]) onTransition(ctx context.Context, from, to fsm.State, event fsm.Event) {
	now := r.deps.Now()
	if r.suspended[to] {
		r.enteredAt = now
	}
	r.deps.Metrics.StateEntered(string(r.op), string(to))
	r.deps.Logger(ctx).Debug(ctx, "state changed",
		logging.String("from", string(from)),
		logging.String("state", string(to)),
		logging.String("event", string(event)),
	)
	if r.machine != nil && r.machine.Definition().IsTerminal(to) {
		r.deps.Metrics.OperationFinished(string(r.op), string(to), now.Sub(r.started))
	}
}
