// Package runtime wires the orchestrator services to a speaker and exposes
// the request surface: CreateFlow and RerouteFlow start operations, their
// outcomes arrive on Responses.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/create"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/service"
	"github.com/signalsfoundry/flow-orchestrator/internal/history"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/pathcomputer"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
	"github.com/signalsfoundry/flow-orchestrator/internal/scheduler"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/timectrl"
)

// ErrStopped is returned for requests made after Stop.
var ErrStopped = errors.New("runtime: stopped")

// Config tunes the runtime.
type Config struct {
	Orchestrator flowhs.Config
	// TimeoutPoll is how often expired deadlines are checked.
	TimeoutPoll time.Duration
	// BacklogReport is how often the non-deleted rule backlog is logged.
	BacklogReport time.Duration
	// ResponseBuffer sizes the Responses channel. Responses that do not
	// fit are queued in order until the reader catches up.
	ResponseBuffer int
}

// ApplyDefaults fills zero values.
func (c Config) ApplyDefaults() Config {
	c.Orchestrator = c.Orchestrator.ApplyDefaults()
	if c.TimeoutPoll <= 0 {
		c.TimeoutPoll = 100 * time.Millisecond
	}
	if c.BacklogReport <= 0 {
		c.BacklogReport = time.Minute
	}
	if c.ResponseBuffer <= 0 {
		c.ResponseBuffer = 1024
	}
	return c
}

// Executor runs one speaker command and returns its response. Failures are
// reported as failed responses. *speaker.Client implements it.
type Executor interface {
	Execute(ctx context.Context, key string, cmd speaker.Command) speaker.Response
}

// Deps are the collaborators the runtime is built from. Store, Resources
// and Speaker are required.
type Deps struct {
	Store     persistence.Store
	Resources *resources.Manager
	Speaker   Executor

	// Paths defaults to a BFS computer over Store.
	Paths   pathcomputer.PathComputer
	History history.Sink
	Metrics *observability.OrchestratorCollector
	// Events defaults to a scheduler reading Clock.
	Events scheduler.EventScheduler
	Clock  timectrl.Clock
	Log    logging.Logger
}

// Runtime owns the registry and the services sharing it.
type Runtime struct {
	cfg Config
	log logging.Logger

	Registry *service.Registry
	Creates  *service.FlowCreateService
	Reroutes *service.FlowRerouteService
	Backlog  *flowhs.NonDeletedRules
	Events   scheduler.EventScheduler

	carrier   *speakerCarrier
	responses chan flowhs.Response

	mu      sync.Mutex
	pump    *scheduler.Pump
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New validates deps and builds the services.
func New(cfg Config, deps Deps) (*Runtime, error) {
	cfg = cfg.ApplyDefaults()
	var errs []error
	if deps.Store == nil {
		errs = append(errs, fmt.Errorf("runtime: store is required"))
	}
	if deps.Resources == nil {
		errs = append(errs, fmt.Errorf("runtime: resource manager is required"))
	}
	if deps.Speaker == nil {
		errs = append(errs, fmt.Errorf("runtime: speaker is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.Wall()
	}
	if deps.Paths == nil {
		deps.Paths = pathcomputer.NewBFSComputer(deps.Store, deps.Log)
	}
	if deps.History == nil {
		deps.History = history.NewLogSink(deps.Log)
	}
	if deps.Events == nil {
		deps.Events = scheduler.NewEventScheduler(deps.Clock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:       cfg,
		log:       deps.Log,
		Events:    deps.Events,
		responses: make(chan flowhs.Response, cfg.ResponseBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.Registry = service.NewRegistry(deps.Events, deps.Metrics, deps.Log)
	r.carrier = newSpeakerCarrier(ctx, deps.Speaker, r.Registry, r.responses, deps.Log)

	fdeps := &flowhs.Deps{
		Store:     deps.Store,
		Resources: deps.Resources,
		Paths:     deps.Paths,
		Carrier:   r.carrier,
		History:   deps.History,
		Metrics:   deps.Metrics,
		Clock:     deps.Clock,
		Log:       deps.Log,
		Config:    cfg.Orchestrator,
	}
	var err error
	if r.Creates, err = service.NewFlowCreateService(r.Registry, fdeps); err != nil {
		cancel()
		return nil, err
	}
	if r.Reroutes, err = service.NewFlowRerouteService(r.Registry, fdeps); err != nil {
		cancel()
		return nil, err
	}
	r.Backlog = fdeps.Backlog
	return r, nil
}

// Responses delivers the northbound result of every operation.
func (r *Runtime) Responses() <-chan flowhs.Response { return r.responses }

// CreateFlow starts a create under key, generating a key when empty, and
// returns the key. The first steps run before CreateFlow returns; the
// outcome arrives on Responses.
func (r *Runtime) CreateFlow(ctx context.Context, key string, req create.Request) (string, error) {
	if err := r.live(); err != nil {
		return "", err
	}
	ctx, key = withKey(ctx, key)
	return key, r.Creates.HandleRequest(ctx, key, req)
}

// RerouteFlow starts a reroute of flowID under key, like CreateFlow.
func (r *Runtime) RerouteFlow(ctx context.Context, key, flowID string, force bool) (string, error) {
	if err := r.live(); err != nil {
		return "", err
	}
	ctx, key = withKey(ctx, key)
	return key, r.Reroutes.HandleRequest(ctx, key, flowID, force)
}

// Start runs the deadline pump and the backlog report until Stop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.pump != nil {
		return nil
	}
	pump, err := scheduler.NewPump(r.Events, r.cfg.TimeoutPoll, r.log, scheduler.Job{
		Name:     "non-deleted-rules-report",
		Interval: r.cfg.BacklogReport,
		Run:      r.Backlog.Report,
	})
	if err != nil {
		return err
	}
	pump.Start()
	r.pump = pump
	r.log.Info(ctx, "flow orchestrator started",
		logging.Duration("timeout_poll", r.cfg.TimeoutPoll),
		logging.Duration("speaker_timeout", r.cfg.Orchestrator.SpeakerTimeout),
	)
	return nil
}

// Stop rejects new requests, stops the pump and waits for speaker calls in
// flight. Their responses are no longer delivered.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	pump := r.pump
	r.mu.Unlock()

	r.cancel()
	if pump != nil {
		pump.Stop()
	}
	r.carrier.wait()
	r.log.Info(context.Background(), "flow orchestrator stopped",
		logging.Int("in_flight", r.Registry.Len()),
		logging.Int("non_deleted_rules", r.Backlog.Len()),
	)
}

func (r *Runtime) live() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	return nil
}

func withKey(ctx context.Context, key string) (context.Context, string) {
	key = logging.NormalizeCorrelationID(key)
	if key == "" {
		key = logging.NewCorrelationID()
	}
	return logging.ContextWithCorrelationID(ctx, key), key
}
