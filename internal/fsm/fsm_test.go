package fsm

import (
	"context"
	"errors"
	"testing"
)

const (
	stInit     State = "INIT"
	stWorking  State = "WORKING"
	stWaiting  State = "WAITING"
	stDone     State = "DONE"
	stRollback State = "ROLLBACK"
	stFailed   State = "FAILED"
)

type subject struct {
	calls   []string
	pending int
	failAt  string
	failed  error
}

func step(name string, next Event) Action[*subject] {
	return func(_ context.Context, s *subject, _ any) (Event, error) {
		s.calls = append(s.calls, name)
		if s.failAt == name {
			return "", errors.New(name + " failed")
		}
		return next, nil
	}
}

func definition() *Definition[*subject] {
	d := NewDefinition[*subject]("test", stInit)
	d.External(stInit, EventNext, stWorking, step("work", EventNext))
	d.External(stWorking, EventNext, stWaiting, func(_ context.Context, s *subject, _ any) (Event, error) {
		s.calls = append(s.calls, "send")
		s.pending = 2
		return "", nil
	})
	d.Internal(stWaiting, EventCommandExecuted, func(_ context.Context, s *subject, _ any) (Event, error) {
		s.pending--
		if s.pending == 0 {
			return EventNext, nil
		}
		return "", nil
	})
	d.External(stWaiting, EventNext, stDone, step("complete", ""))
	d.ExternalAll([]State{stWorking, stWaiting}, []Event{EventError, EventTimeout}, stRollback, step("rollback", EventNext))
	d.External(stRollback, EventNext, stFailed, step("report", ""))
	d.Terminal(stDone)
	d.Fallback(stFailed)
	d.OnActionError(func(_ context.Context, s *subject, _ State, err error) { s.failed = err })
	return d
}

func TestDefinitionValidates(t *testing.T) {
	if err := definition().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	d := NewDefinition[*subject]("broken", stInit)
	d.External(stInit, EventNext, stWorking, nil)
	d.Fallback(stFailed)
	if err := d.Validate(); err == nil {
		t.Fatalf("dead end accepted")
	}
}

func TestChainRunsToSuspensionPoint(t *testing.T) {
	ctx := context.Background()
	s := &subject{}
	m := definition().NewMachine(s)

	if err := m.Fire(ctx, EventNext, nil); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if m.State() != stWaiting {
		t.Fatalf("state = %s, want WAITING", m.State())
	}
	if err := m.Fire(ctx, EventCommandExecuted, nil); err != nil {
		t.Fatal(err)
	}
	if m.State() != stWaiting {
		t.Fatalf("internal transition left state: %s", m.State())
	}
	if err := m.Fire(ctx, EventCommandExecuted, nil); err != nil {
		t.Fatal(err)
	}
	if m.State() != stDone || !m.IsTerminated() {
		t.Fatalf("state = %s, want DONE", m.State())
	}
	want := []string{"work", "send", "complete"}
	if len(s.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", s.calls, want)
	}

	if err := m.Fire(ctx, EventNext, nil); !errors.Is(err, ErrTerminated) {
		t.Fatalf("fire after terminate err = %v", err)
	}
}

func TestActionErrorFiresErrorEvent(t *testing.T) {
	ctx := context.Background()
	s := &subject{failAt: "complete"}
	var transitions []State
	m := definition().NewMachine(s, func(_ context.Context, _, to State, _ Event) {
		transitions = append(transitions, to)
	})

	_ = m.Fire(ctx, EventNext, nil)
	_ = m.Fire(ctx, EventCommandExecuted, nil)
	if err := m.Fire(ctx, EventCommandExecuted, nil); err != nil {
		t.Fatal(err)
	}
	if m.State() != stFailed {
		t.Fatalf("state = %s, want FAILED", m.State())
	}
	// The failed transition never entered DONE.
	for _, st := range transitions {
		if st == stDone {
			t.Fatalf("entered DONE despite failing action: %v", transitions)
		}
	}
	if s.failed != nil {
		t.Fatalf("OnActionError called although an error transition existed")
	}
}

func TestActionErrorWithoutErrorTransitionUsesFallback(t *testing.T) {
	s := &subject{failAt: "work"}
	m := definition().NewMachine(s)
	if err := m.Fire(context.Background(), EventNext, nil); err != nil {
		t.Fatal(err)
	}
	if m.State() != stFailed {
		t.Fatalf("state = %s, want FAILED", m.State())
	}
	if s.failed == nil || s.failed.Error() != "work failed" {
		t.Fatalf("OnActionError got %v", s.failed)
	}
}

func TestFailingRollbackActionStopsAtFallback(t *testing.T) {
	s := &subject{failAt: "rollback"}
	m := definition().NewMachine(s)
	ctx := context.Background()
	_ = m.Fire(ctx, EventNext, nil)
	if err := m.Fire(ctx, EventTimeout, nil); err != nil {
		t.Fatal(err)
	}
	if m.State() != stFailed {
		t.Fatalf("state = %s", m.State())
	}
	if s.failed == nil {
		t.Fatalf("rollback failure not reported")
	}
}

func TestUnknownEventIsRejected(t *testing.T) {
	m := definition().NewMachine(&subject{})
	err := m.Fire(context.Background(), EventCommandExecuted, nil)
	if !errors.Is(err, ErrEventNotAccepted) {
		t.Fatalf("err = %v, want ErrEventNotAccepted", err)
	}
	if m.State() != stInit {
		t.Fatalf("state moved to %s", m.State())
	}
}

func TestErrorPayloadCarriesCause(t *testing.T) {
	d := NewDefinition[*subject]("payload", stInit)
	cause := errors.New("cause")
	var got any
	d.External(stInit, EventNext, stDone, func(context.Context, *subject, any) (Event, error) { return "", cause })
	d.External(stInit, EventError, stFailed, func(_ context.Context, _ *subject, payload any) (Event, error) {
		got = payload
		return "", nil
	})
	d.Terminal(stDone)
	d.Fallback(stFailed)

	m := d.NewMachine(&subject{})
	if err := m.Fire(context.Background(), EventNext, nil); err != nil {
		t.Fatal(err)
	}
	if got != cause {
		t.Fatalf("error payload = %v", got)
	}
}

func TestReentrantFireIsRejected(t *testing.T) {
	d := NewDefinition[*subject]("reentrant", stInit)
	var m *Machine[*subject]
	var inner error
	d.External(stInit, EventNext, stDone, func(ctx context.Context, _ *subject, _ any) (Event, error) {
		inner = m.Fire(ctx, EventNext, nil)
		return "", nil
	})
	d.Terminal(stDone)
	d.Fallback(stFailed)
	m = d.NewMachine(&subject{})
	if err := m.Fire(context.Background(), EventNext, nil); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inner, ErrReentrantFire) {
		t.Fatalf("inner err = %v", inner)
	}
}
