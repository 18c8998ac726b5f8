// Package create implements the flow create orchestrator: validate the
// request, allocate resources and paths, install and validate non-ingress
// then ingress rules, and roll everything back when any step fails.
package create

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

const (
	StateInitialized               fsm.State = "INITIALIZED"
	StateFlowValidated             fsm.State = "FLOW_VALIDATED"
	StateAllocatingResources       fsm.State = "ALLOCATING_RESOURCES"
	StateInstallingNonIngressRules fsm.State = "INSTALLING_NON_INGRESS_RULES"
	StateValidatingNonIngressRules fsm.State = "VALIDATING_NON_INGRESS_RULES"
	StateInstallingIngressRules    fsm.State = "INSTALLING_INGRESS_RULES"
	StateValidatingIngressRules    fsm.State = "VALIDATING_INGRESS_RULES"
	StateFinished                  fsm.State = "FINISHED"

	StateRemovingRules         fsm.State = "REMOVING_RULES"
	StateNonDeletedRulesStored fsm.State = "NON_DELETED_RULES_STORED"
	StateResourcesDeAllocated  fsm.State = "RESOURCES_DE_ALLOCATED"
	StateFinishedWithError     fsm.State = "FINISHED_WITH_ERROR"
)

// SuspendedStates wait for speaker responses and carry a deadline.
var SuspendedStates = []fsm.State{
	StateInstallingNonIngressRules,
	StateValidatingNonIngressRules,
	StateInstallingIngressRules,
	StateValidatingIngressRules,
	StateRemovingRules,
}

// Request describes the flow to create.
type Request struct {
	FlowID          string
	Src             model.FlowEndpoint
	Dst             model.FlowEndpoint
	Bandwidth       int64
	IgnoreBandwidth bool
	Encapsulation   model.EncapsulationType
	Description     string
}

// Flow returns the flow row the request asks for, still IN_PROGRESS.
func (r Request) Flow() *model.Flow {
	enc := r.Encapsulation
	if enc == "" {
		enc = model.EncapsulationTransitVlan
	}
	return &model.Flow{
		FlowID:          r.FlowID,
		Src:             r.Src,
		Dst:             r.Dst,
		Bandwidth:       r.Bandwidth,
		IgnoreBandwidth: r.IgnoreBandwidth,
		Encapsulation:   enc,
		Description:     r.Description,
		Status:          model.FlowStatusInProgress,
	}
}

// Operation is the state of one create. It is only touched by the machine
// that owns it.
type Operation struct {
	key  string
	req  Request
	deps *flowhs.Deps

	flow      *model.Flow
	forward   *model.FlowPath
	reverse   *model.FlowPath
	resources *model.FlowResources
	// flowStored is set once the flow row belongs to this operation.
	flowStored bool

	nonIngress []speaker.InstallCommand
	ingress    []speaker.InstallCommand
	stages     *flowhs.Stages

	failure   *flowhs.Error
	responded bool
}

func (o *Operation) Key() string    { return o.key }
func (o *Operation) FlowID() string { return o.req.FlowID }

// Failure is the error that sent the operation into rollback, if any.
func (o *Operation) Failure() *flowhs.Error { return o.failure }

// Resources returns what the operation allocated.
func (o *Operation) Resources() (model.FlowResources, bool) {
	if o.resources == nil {
		return model.FlowResources{}, false
	}
	return *o.resources, true
}

// Machine runs one create.
type Machine = flowhs.Runner[*Operation]

// Definition builds the create transition table.
func Definition(metrics *observability.OrchestratorCollector) *fsm.Definition[*Operation] {
	act := func(name string, body fsm.Action[*Operation]) fsm.Action[*Operation] {
		return flowhs.Instrument(flowhs.OperationCreate, name, metrics, body)
	}
	failed := []fsm.Event{fsm.EventError, fsm.EventTimeout}

	d := fsm.NewDefinition[*Operation]("flow-create", StateInitialized).
		External(StateInitialized, fsm.EventNext, StateFlowValidated, act("validate_flow", validateFlow)).
		External(StateFlowValidated, fsm.EventNext, StateAllocatingResources, act("allocate_resources", allocateResources)).
		External(StateAllocatingResources, fsm.EventNext, StateInstallingNonIngressRules, act("install_non_ingress_rules", installNonIngress)).
		Internal(StateInstallingNonIngressRules, fsm.EventCommandExecuted, act("on_install_response", onInstallResponse("install non ingress rules"))).
		External(StateInstallingNonIngressRules, fsm.EventNext, StateValidatingNonIngressRules, act("dump_non_ingress_rules", dumpRules(func(o *Operation) []speaker.InstallCommand { return o.nonIngress }))).
		Internal(StateValidatingNonIngressRules, fsm.EventCommandExecuted, act("validate_non_ingress_rules", onDumpResponse("non ingress rules"))).
		External(StateValidatingNonIngressRules, fsm.EventNext, StateInstallingIngressRules, act("install_ingress_rules", installIngress)).
		Internal(StateInstallingIngressRules, fsm.EventCommandExecuted, act("on_install_response", onInstallResponse("install ingress rules"))).
		External(StateInstallingIngressRules, fsm.EventNext, StateValidatingIngressRules, act("dump_ingress_rules", dumpRules(func(o *Operation) []speaker.InstallCommand { return o.ingress }))).
		Internal(StateValidatingIngressRules, fsm.EventCommandExecuted, act("validate_ingress_rules", onDumpResponse("ingress rules"))).
		External(StateValidatingIngressRules, fsm.EventNext, StateFinished, act("complete_flow_create", completeCreate)).
		ExternalAll([]fsm.State{StateInitialized, StateFlowValidated}, failed, StateFinishedWithError, act("report_error", reportError)).
		ExternalAll([]fsm.State{
			StateAllocatingResources,
			StateInstallingNonIngressRules,
			StateValidatingNonIngressRules,
			StateInstallingIngressRules,
			StateValidatingIngressRules,
		}, failed, StateRemovingRules, act("rollback_installed_rules", rollbackInstalledRules)).
		Internal(StateRemovingRules, fsm.EventCommandExecuted, act("on_remove_response", onRemoveResponse)).
		ExternalAll([]fsm.State{StateRemovingRules}, []fsm.Event{fsm.EventNext, fsm.EventError, fsm.EventTimeout}, StateNonDeletedRulesStored, act("store_non_deleted_rules", storeNonDeletedRules)).
		External(StateNonDeletedRulesStored, fsm.EventNext, StateResourcesDeAllocated, act("deallocate_resources", deallocateResources)).
		External(StateResourcesDeAllocated, fsm.EventNext, StateFinishedWithError, act("handle_not_created_flow", handleNotCreated)).
		Terminal(StateFinished).
		Fallback(StateFinishedWithError).
		OnActionError(onActionError)
	return d
}

// New starts a create for req under key. The returned machine has not been
// fired yet; the caller fires NEXT.
func New(def *fsm.Definition[*Operation], deps *flowhs.Deps, key string, req Request) *Machine {
	op := &Operation{key: key, req: req, deps: deps}
	op.stages = flowhs.NewStages(deps, flowhs.OperationCreate, key, req.FlowID)
	return flowhs.NewRunner(def, op, flowhs.OperationCreate, deps, SuspendedStates...)
}

func (o *Operation) respond(ctx context.Context, resp flowhs.Response) {
	if o.responded {
		return
	}
	o.responded = true
	o.deps.Carrier.SendNorthboundResponse(ctx, resp)
}

func (o *Operation) respondError(ctx context.Context, err error) {
	resp := flowhs.ErrorResponse(o.key, o.FlowID(), flowhs.OperationCreate, err)
	resp.Outcome = string(StateFinishedWithError)
	o.respond(ctx, resp)
}

// fail keeps the first failure seen.
func (o *Operation) fail(payload any) *flowhs.Error {
	if o.failure == nil {
		o.failure = flowhs.ErrorFromPayload(payload, o.FlowID())
	}
	return o.failure
}

func onActionError(ctx context.Context, o *Operation, state fsm.State, err error) {
	fe := flowhs.AsError(err, o.FlowID())
	if o.failure == nil {
		o.failure = fe
	}
	o.deps.Logger(ctx).Error(ctx, "flow create aborted",
		logging.String("state", string(state)),
		logging.Err(err),
	)
	o.deps.SaveHistory(ctx, o.key, o.FlowID(), "Failed to create the flow", fe.Error(), nil, nil)
	o.respondError(ctx, o.failure)
}

func reportError(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	fe := o.fail(payload)
	if fe.Kind == flowhs.KindInternal && fe.Message == "" {
		fe.Message = "Could not create flow"
	}
	o.deps.Logger(ctx).Warn(ctx, "flow create rejected",
		logging.String("kind", string(fe.Kind)),
		logging.Err(fe),
	)
	o.deps.SaveHistory(ctx, o.key, o.FlowID(), "Failed to create the flow", fe.Error(), nil, nil)
	o.respondError(ctx, fe)
	return "", nil
}

func (o *Operation) describe() string {
	return fmt.Sprintf("flow %s from %s to %s", o.FlowID(), o.req.Src, o.req.Dst)
}
