// Package service owns the live flow operations. Every create or reroute
// runs as one machine registered under its correlation key; speaker
// responses and expired deadlines reach the machine only through the
// registry, which removes it once it terminates.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/scheduler"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
)

// ErrKeyInUse is returned when a key still has a running machine.
var ErrKeyInUse = errors.New("service: key is in use")

// entry is one registered machine. mu serialises everything fired on it.
type entry struct {
	mu       sync.Mutex
	machine  flowhs.Machine
	deadline time.Time
	timerID  string
	// timerSeq identifies the armed timer; callbacks of older timers are
	// stale and do nothing.
	timerSeq uint64
	closed   bool
}

// Registry maps keys to running machines.
type Registry struct {
	events  scheduler.EventScheduler
	metrics *observability.OrchestratorCollector
	log     logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry that arms deadlines on events.
func NewRegistry(events scheduler.EventScheduler, metrics *observability.OrchestratorCollector, log logging.Logger) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	return &Registry{
		events:  events,
		metrics: metrics,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Register adds m under key and fires its initial NEXT. A key whose
// previous machine has not terminated is rejected with ErrKeyInUse.
func (r *Registry) Register(ctx context.Context, key string, m flowhs.Machine) error {
	if key == "" {
		return errors.New("service: key is required")
	}
	e := &entry{machine: m}
	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyInUse, key)
	}
	r.entries[key] = e
	r.mu.Unlock()

	r.log.Debug(ctx, "operation registered",
		logging.String("key", key),
		logging.String("flow_id", m.FlowID()),
		logging.String("operation", string(m.Operation())),
	)
	return r.fire(ctx, key, e, fsm.EventNext, nil)
}

// HandleAsyncResponse delivers a speaker response to the machine under key.
// Responses for unknown keys are logged and dropped.
func (r *Registry) HandleAsyncResponse(ctx context.Context, key string, resp speaker.Response) error {
	e, ok := r.lookup(key)
	if !ok {
		r.log.Warn(ctx, "no operation for speaker response",
			logging.String("key", key),
			logging.String("command_id", resp.CommandID.String()),
			logging.String("switch_id", resp.SwitchID.String()),
		)
		return nil
	}
	return r.fire(ctx, key, e, fsm.EventCommandExecuted, resp)
}

// HandleTimeout fires TIMEOUT on the machine under key.
func (r *Registry) HandleTimeout(ctx context.Context, key string) error {
	e, ok := r.lookup(key)
	if !ok {
		r.log.Debug(ctx, "no operation to time out", logging.String("key", key))
		return nil
	}
	return r.timeout(ctx, key, e, 0)
}

// Len returns the number of running machines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns the keys of the running machines, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// State returns the current state of the machine under key.
func (r *Registry) State(key string) (fsm.State, bool) {
	e, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State(), true
}

// reserve fails fast for a key that is taken, before a machine is built
// for it.
func (r *Registry) reserve(key string) error {
	if key == "" {
		return errors.New("service: key is required")
	}
	if _, ok := r.lookup(key); ok {
		return fmt.Errorf("%w: %s", ErrKeyInUse, key)
	}
	return nil
}

func (r *Registry) lookup(key string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// timeout fires TIMEOUT unless seq names a timer that is no longer armed.
// seq 0 fires unconditionally.
func (r *Registry) timeout(ctx context.Context, key string, e *entry, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || (seq != 0 && seq != e.timerSeq) {
		return nil
	}
	m := e.machine
	state := m.State()
	r.metrics.TimeoutFired(string(m.Operation()))
	r.log.Warn(ctx, "operation timed out",
		logging.String("key", key),
		logging.String("flow_id", m.FlowID()),
		logging.String("state", string(state)),
	)
	return r.fireLocked(ctx, key, e, fsm.EventTimeout, flowhs.NewTimeoutError(m.FlowID(), state))
}

// fire delivers event to e and then reaps or re-arms it.
func (r *Registry) fire(ctx context.Context, key string, e *entry, event fsm.Event, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return r.fireLocked(ctx, key, e, event, payload)
}

func (r *Registry) fireLocked(ctx context.Context, key string, e *entry, event fsm.Event, payload any) error {
	err := e.machine.Fire(ctx, event, payload)
	if errors.Is(err, fsm.ErrEventNotAccepted) {
		r.log.Debug(ctx, "event dropped",
			logging.String("key", key),
			logging.String("event", string(event)),
			logging.String("state", string(e.machine.State())),
		)
		err = nil
	}
	r.settle(ctx, key, e)
	return err
}

// settle must be called with e.mu held.
func (r *Registry) settle(ctx context.Context, key string, e *entry) {
	if e.machine.IsTerminated() {
		r.disarm(e)
		e.closed = true
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		r.log.Debug(ctx, "operation removed",
			logging.String("key", key),
			logging.String("state", string(e.machine.State())),
		)
		return
	}

	deadline, ok := e.machine.Deadline()
	if !ok {
		r.disarm(e)
		return
	}
	if e.timerID != "" && deadline.Equal(e.deadline) {
		return
	}
	r.disarm(e)
	if r.events == nil {
		return
	}
	e.timerSeq++
	seq := e.timerSeq
	e.deadline = deadline
	e.timerID = r.events.Schedule(deadline, func() {
		ctx := logging.ContextWithCorrelationID(context.Background(), key)
		if err := r.timeout(ctx, key, e, seq); err != nil {
			r.log.Error(ctx, "timeout handling failed", logging.String("key", key), logging.Err(err))
		}
	})
}

func (r *Registry) disarm(e *entry) {
	if e.timerID != "" && r.events != nil {
		r.events.Cancel(e.timerID)
	}
	e.timerID = ""
	e.deadline = time.Time{}
	e.timerSeq++
}
