// Package fsm is a small table driven state machine executor.
//
// A Definition maps (state, event) pairs onto a target state and an action.
// Actions return the next event to fire, which lets a chain of steps run to
// the next suspension point in a single Fire call. An action error aborts
// its transition and the executor fires the definition's error event from
// the state the machine is still in. When no error transition exists the
// machine moves to the fallback terminal state.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// State names a machine state.
type State string

// Event names a machine event.
type Event string

const (
	EventNext            Event = "NEXT"
	EventCommandExecuted Event = "COMMAND_EXECUTED"
	EventTimeout         Event = "TIMEOUT"
	EventError           Event = "ERROR"
)

var (
	// ErrEventNotAccepted is returned by Fire when the current state has no
	// transition for the event.
	ErrEventNotAccepted = errors.New("fsm: event not accepted")
	// ErrTerminated is returned by Fire once the machine reached a terminal
	// state.
	ErrTerminated = errors.New("fsm: machine terminated")
	// ErrReentrantFire is returned when an action fires on its own machine.
	ErrReentrantFire = errors.New("fsm: re-entrant fire")
)

// Action runs during a transition. A non-empty returned event is fired next
// with a nil payload.
type Action[T any] func(ctx context.Context, subject T, payload any) (Event, error)

type key struct {
	from  State
	event Event
}

type transition[T any] struct {
	to       State
	internal bool
	action   Action[T]
}

// Definition is an immutable-after-setup transition table.
type Definition[T any] struct {
	name          string
	initial       State
	table         map[key]transition[T]
	terminal      map[State]bool
	errorEvent    Event
	fallback      State
	onActionError func(ctx context.Context, subject T, state State, err error)
}

// NewDefinition starts a table whose machines begin in initial.
func NewDefinition[T any](name string, initial State) *Definition[T] {
	return &Definition[T]{
		name:       name,
		initial:    initial,
		table:      make(map[key]transition[T]),
		terminal:   make(map[State]bool),
		errorEvent: EventError,
	}
}

// Name returns the definition name.
func (d *Definition[T]) Name() string { return d.name }

// External adds from -event-> to. A nil action only changes state.
func (d *Definition[T]) External(from State, event Event, to State, action Action[T]) *Definition[T] {
	d.table[key{from, event}] = transition[T]{to: to, action: action}
	return d
}

// ExternalAll adds the same transition for every from/event combination.
func (d *Definition[T]) ExternalAll(froms []State, events []Event, to State, action Action[T]) *Definition[T] {
	for _, from := range froms {
		for _, ev := range events {
			d.External(from, ev, to, action)
		}
	}
	return d
}

// Internal runs action on event without leaving state.
func (d *Definition[T]) Internal(state State, event Event, action Action[T]) *Definition[T] {
	d.table[key{state, event}] = transition[T]{to: state, internal: true, action: action}
	return d
}

// Terminal marks states that end the machine.
func (d *Definition[T]) Terminal(states ...State) *Definition[T] {
	for _, s := range states {
		d.terminal[s] = true
	}
	return d
}

// ErrorEvent overrides the event fired when an action fails.
func (d *Definition[T]) ErrorEvent(ev Event) *Definition[T] {
	d.errorEvent = ev
	return d
}

// Fallback sets the terminal state entered when an action fails and the
// current state has no error transition.
func (d *Definition[T]) Fallback(state State) *Definition[T] {
	d.fallback = state
	d.terminal[state] = true
	return d
}

// OnActionError is called after a failure moved the machine to the
// fallback state.
func (d *Definition[T]) OnActionError(fn func(ctx context.Context, subject T, state State, err error)) *Definition[T] {
	d.onActionError = fn
	return d
}

// Validate checks the table is closed: every state reached by a transition
// is terminal or has transitions of its own, terminal states have none and
// the fallback is set.
func (d *Definition[T]) Validate() error {
	if d.initial == "" {
		return fmt.Errorf("fsm %s: no initial state", d.name)
	}
	if d.fallback == "" {
		return fmt.Errorf("fsm %s: no fallback state", d.name)
	}
	outgoing := make(map[State]bool)
	for k := range d.table {
		outgoing[k.from] = true
	}
	var problems []string
	if !outgoing[d.initial] {
		problems = append(problems, fmt.Sprintf("initial state %s has no transitions", d.initial))
	}
	for k, tr := range d.table {
		if d.terminal[k.from] {
			problems = append(problems, fmt.Sprintf("terminal state %s has transition on %s", k.from, k.event))
		}
		if !d.terminal[tr.to] && !outgoing[tr.to] {
			problems = append(problems, fmt.Sprintf("state %s is a dead end", tr.to))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("fsm %s: %v", d.name, problems)
}

// States returns every state mentioned by the table, sorted.
func (d *Definition[T]) States() []State {
	seen := map[State]bool{d.initial: true}
	for k, tr := range d.table {
		seen[k.from] = true
		seen[tr.to] = true
	}
	for s := range d.terminal {
		seen[s] = true
	}
	out := make([]State, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTerminal reports whether s ends the machine.
func (d *Definition[T]) IsTerminal(s State) bool { return d.terminal[s] }

// Accepts reports whether state has a transition for event.
func (d *Definition[T]) Accepts(state State, event Event) bool {
	_, ok := d.table[key{state, event}]
	return ok
}

// TransitionHook observes every state change.
type TransitionHook func(ctx context.Context, from, to State, event Event)

// Machine is one running instance of a Definition. It is not safe for
// concurrent use; callers serialise Fire.
type Machine[T any] struct {
	def     *Definition[T]
	subject T
	state   State
	hooks   []TransitionHook
	firing  bool
}

// NewMachine returns a machine in the initial state.
func (d *Definition[T]) NewMachine(subject T, hooks ...TransitionHook) *Machine[T] {
	return &Machine[T]{def: d, subject: subject, state: d.initial, hooks: hooks}
}

// State returns the current state.
func (m *Machine[T]) State() State { return m.state }

// Subject returns the value actions operate on.
func (m *Machine[T]) Subject() T { return m.subject }

// Definition returns the table the machine runs.
func (m *Machine[T]) Definition() *Definition[T] { return m.def }

// IsTerminated reports whether the machine reached a terminal state.
func (m *Machine[T]) IsTerminated() bool { return m.def.terminal[m.state] }

// Fire delivers event and keeps firing the events actions return until an
// action returns none or the machine terminates.
func (m *Machine[T]) Fire(ctx context.Context, event Event, payload any) error {
	if m.firing {
		return ErrReentrantFire
	}
	m.firing = true
	defer func() { m.firing = false }()

	for event != "" {
		if m.IsTerminated() {
			return fmt.Errorf("%w: %s in %s", ErrTerminated, event, m.state)
		}
		tr, ok := m.def.table[key{m.state, event}]
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrEventNotAccepted, event, m.state)
		}

		var next Event
		if tr.action != nil {
			var err error
			next, err = tr.action(ctx, m.subject, payload)
			if err != nil {
				if event != m.def.errorEvent && m.def.Accepts(m.state, m.def.errorEvent) {
					event, payload = m.def.errorEvent, err
					continue
				}
				m.moveTo(ctx, m.def.fallback, event)
				if m.def.onActionError != nil {
					m.def.onActionError(ctx, m.subject, m.state, err)
				}
				return nil
			}
		}

		if !tr.internal {
			m.moveTo(ctx, tr.to, event)
		}
		event, payload = next, nil
	}
	return nil
}

func (m *Machine[T]) moveTo(ctx context.Context, to State, event Event) {
	from := m.state
	m.state = to
	for _, h := range m.hooks {
		h(ctx, from, to, event)
	}
}
