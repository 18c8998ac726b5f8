package service

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/create"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/reroute"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
)

// FlowCreateService starts flow creates.
type FlowCreateService struct {
	registry *Registry
	deps     *flowhs.Deps
	def      *fsm.Definition[*create.Operation]
}

// NewFlowCreateService validates the create table once; every request
// reuses it.
func NewFlowCreateService(registry *Registry, deps *flowhs.Deps) (*FlowCreateService, error) {
	if registry == nil {
		return nil, fmt.Errorf("service: registry is required")
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	def := create.Definition(deps.Metrics)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &FlowCreateService{registry: registry, deps: deps, def: def}, nil
}

// HandleRequest registers a create of req under key and starts it. The
// outcome arrives on the carrier's northbound side.
func (s *FlowCreateService) HandleRequest(ctx context.Context, key string, req create.Request) error {
	s.deps.Logger(ctx).Info(ctx, "flow create requested",
		logging.String("key", key),
		logging.String("flow_id", req.FlowID),
	)
	if err := s.registry.reserve(key); err != nil {
		return err
	}
	return s.registry.Register(ctx, key, create.New(s.def, s.deps, key, req))
}

// FlowRerouteService starts flow reroutes.
type FlowRerouteService struct {
	registry *Registry
	deps     *flowhs.Deps
	def      *fsm.Definition[*reroute.Operation]
}

// NewFlowRerouteService validates the reroute table once.
func NewFlowRerouteService(registry *Registry, deps *flowhs.Deps) (*FlowRerouteService, error) {
	if registry == nil {
		return nil, fmt.Errorf("service: registry is required")
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	def := reroute.Definition(deps.Metrics)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &FlowRerouteService{registry: registry, deps: deps, def: def}, nil
}

// HandleRequest registers a reroute of flowID under key and starts it.
// force reinstalls the rules even when the path is unchanged.
func (s *FlowRerouteService) HandleRequest(ctx context.Context, key, flowID string, force bool) error {
	s.deps.Logger(ctx).Info(ctx, "flow reroute requested",
		logging.String("key", key),
		logging.String("flow_id", flowID),
		logging.Bool("force", force),
	)
	if err := s.registry.reserve(key); err != nil {
		return err
	}
	return s.registry.Register(ctx, key, reroute.New(s.def, s.deps, key, flowID, force))
}
