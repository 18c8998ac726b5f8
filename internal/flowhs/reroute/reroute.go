// Package reroute implements the flow reroute orchestrator. It computes a
// new path pair for an existing flow, installs the new rules beside the old
// ones, swaps the flow onto the new paths and then removes the old paths.
// Every failure after allocation reverts to the old paths.
package reroute

import (
	"context"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

const (
	StateInitialized               fsm.State = "INITIALIZED"
	StateValidated                 fsm.State = "VALIDATED"
	StateAllocatingResources       fsm.State = "ALLOCATING_RESOURCES"
	StateInstallingNonIngressRules fsm.State = "INSTALLING_NON_INGRESS_RULES"
	StateValidatingNonIngressRules fsm.State = "VALIDATING_NON_INGRESS_RULES"
	StatePathsSwapped              fsm.State = "PATHS_SWAPPED"
	StateInstallingIngressRules    fsm.State = "INSTALLING_INGRESS_RULES"
	StateValidatingIngressRules    fsm.State = "VALIDATING_INGRESS_RULES"
	StateRemovingOldRules          fsm.State = "REMOVING_OLD_RULES"
	StateFinished                  fsm.State = "FINISHED"
	StateRerouteIsSkipped          fsm.State = "REROUTE_IS_SKIPPED"
	StateNoPathFound               fsm.State = "NO_PATH_FOUND"

	StatePathsSwapReverted          fsm.State = "PATHS_SWAP_REVERTED"
	StateRemovingNewRules           fsm.State = "REMOVING_NEW_RULES"
	StateResourceAllocationReverted fsm.State = "RESOURCE_ALLOCATION_REVERTED"
	StateFinishedWithError          fsm.State = "FINISHED_WITH_ERROR"
)

// Events the allocation step raises instead of NEXT.
const (
	EventRerouteIsSkipped fsm.Event = "REROUTE_IS_SKIPPED"
	EventNoPathFound      fsm.Event = "NO_PATH_FOUND"
)

// SuspendedStates wait for speaker responses and carry a deadline.
var SuspendedStates = []fsm.State{
	StateInstallingNonIngressRules,
	StateValidatingNonIngressRules,
	StateInstallingIngressRules,
	StateValidatingIngressRules,
	StateRemovingOldRules,
	StateRemovingNewRules,
}

// pathState is what a path pointer of the flow referred to before the swap.
type pathState struct {
	path   *model.FlowPath
	status model.FlowPathStatus
}

// Operation is the state of one reroute.
type Operation struct {
	key    string
	flowID string
	force  bool
	deps   *flowhs.Deps

	flow      *model.Flow
	oldStatus model.FlowStatus
	old       [2]pathState
	// oldResources are rebuilt from the old paths when the swap happens.
	oldResources *model.FlowResources

	newForward   *model.FlowPath
	newReverse   *model.FlowPath
	newResources *model.FlowResources
	pathChanged  bool
	swapped      bool

	nonIngress []speaker.InstallCommand
	ingress    []speaker.InstallCommand
	stages     *flowhs.Stages

	failure   *flowhs.Error
	responded bool
}

func (o *Operation) Key() string    { return o.key }
func (o *Operation) FlowID() string { return o.flowID }

// Failure is the error that sent the operation into revert, if any.
func (o *Operation) Failure() *flowhs.Error { return o.failure }

// PathChanged reports whether the computed paths differ from the old ones.
func (o *Operation) PathChanged() bool { return o.pathChanged }

func (o *Operation) oldForward() *model.FlowPath { return o.old[0].path }
func (o *Operation) oldReverse() *model.FlowPath { return o.old[1].path }

func (o *Operation) oldPaths() []*model.FlowPath {
	return []*model.FlowPath{o.oldForward(), o.oldReverse()}
}

func (o *Operation) newPaths() []*model.FlowPath {
	return []*model.FlowPath{o.newForward, o.newReverse}
}

// Machine runs one reroute.
type Machine = flowhs.Runner[*Operation]

// Definition builds the reroute transition table.
func Definition(metrics *observability.OrchestratorCollector) *fsm.Definition[*Operation] {
	act := func(name string, body fsm.Action[*Operation]) fsm.Action[*Operation] {
		return flowhs.Instrument(flowhs.OperationReroute, name, metrics, body)
	}
	failed := []fsm.Event{fsm.EventError, fsm.EventTimeout}
	settled := []fsm.Event{fsm.EventNext, fsm.EventError, fsm.EventTimeout}

	return fsm.NewDefinition[*Operation]("flow-reroute", StateInitialized).
		External(StateInitialized, fsm.EventNext, StateValidated, act("validate_flow", validateFlow)).
		External(StateValidated, fsm.EventNext, StateAllocatingResources, act("allocate_resources", allocateResources)).
		External(StateAllocatingResources, EventRerouteIsSkipped, StateRerouteIsSkipped, act("reroute_skipped", respondSkipped)).
		External(StateAllocatingResources, EventNoPathFound, StateNoPathFound, act("no_path_found", respondNoPath)).
		External(StateAllocatingResources, fsm.EventNext, StateInstallingNonIngressRules, act("install_non_ingress_rules", installNonIngress)).
		Internal(StateInstallingNonIngressRules, fsm.EventCommandExecuted, act("on_install_response", onInstallResponse("install non ingress rules"))).
		External(StateInstallingNonIngressRules, fsm.EventNext, StateValidatingNonIngressRules, act("dump_non_ingress_rules", dumpRules(func(o *Operation) []speaker.InstallCommand { return o.nonIngress }))).
		Internal(StateValidatingNonIngressRules, fsm.EventCommandExecuted, act("validate_non_ingress_rules", onDumpResponse("non ingress rules"))).
		External(StateValidatingNonIngressRules, fsm.EventNext, StatePathsSwapped, act("swap_paths", swapPaths)).
		External(StatePathsSwapped, fsm.EventNext, StateInstallingIngressRules, act("install_ingress_rules", installIngress)).
		Internal(StateInstallingIngressRules, fsm.EventCommandExecuted, act("on_install_response", onInstallResponse("install ingress rules"))).
		External(StateInstallingIngressRules, fsm.EventNext, StateValidatingIngressRules, act("dump_ingress_rules", dumpRules(func(o *Operation) []speaker.InstallCommand { return o.ingress }))).
		Internal(StateValidatingIngressRules, fsm.EventCommandExecuted, act("validate_ingress_rules", onDumpResponse("ingress rules"))).
		External(StateValidatingIngressRules, fsm.EventNext, StateRemovingOldRules, act("remove_old_rules", removeOldRules)).
		Internal(StateRemovingOldRules, fsm.EventCommandExecuted, act("on_remove_response", onRemoveResponse)).
		ExternalAll([]fsm.State{StateRemovingOldRules}, settled, StateFinished, act("complete_old_path_removal", completeOldPathRemoval)).
		ExternalAll([]fsm.State{StateInitialized, StateValidated}, failed, StateFinishedWithError, act("report_error", reportError)).
		ExternalAll([]fsm.State{
			StateAllocatingResources,
			StateInstallingNonIngressRules,
			StateValidatingNonIngressRules,
		}, failed, StateRemovingNewRules, act("remove_new_rules", removeNewRules)).
		ExternalAll([]fsm.State{
			StatePathsSwapped,
			StateInstallingIngressRules,
			StateValidatingIngressRules,
		}, failed, StatePathsSwapReverted, act("revert_paths_swap", revertPathsSwap)).
		External(StatePathsSwapReverted, fsm.EventNext, StateRemovingNewRules, act("remove_new_rules", removeNewRules)).
		Internal(StateRemovingNewRules, fsm.EventCommandExecuted, act("on_remove_response", onRemoveResponse)).
		ExternalAll([]fsm.State{StateRemovingNewRules}, settled, StateResourceAllocationReverted, act("revert_resource_allocation", revertResourceAllocation)).
		External(StateResourceAllocationReverted, fsm.EventNext, StateFinishedWithError, act("handle_not_rerouted_flow", handleNotRerouted)).
		Terminal(StateFinished, StateRerouteIsSkipped, StateNoPathFound).
		Fallback(StateFinishedWithError).
		OnActionError(onActionError)
}

// New starts a reroute of flowID under key. Force reroutes even when the
// computed paths equal the current ones.
func New(def *fsm.Definition[*Operation], deps *flowhs.Deps, key, flowID string, force bool) *Machine {
	op := &Operation{key: key, flowID: flowID, force: force, deps: deps}
	op.stages = flowhs.NewStages(deps, flowhs.OperationReroute, key, flowID)
	return flowhs.NewRunner(def, op, flowhs.OperationReroute, deps, SuspendedStates...)
}

func (o *Operation) respond(ctx context.Context, resp flowhs.Response) {
	if o.responded {
		return
	}
	o.responded = true
	o.deps.Carrier.SendNorthboundResponse(ctx, resp)
}

func (o *Operation) respondError(ctx context.Context, err error) {
	resp := flowhs.ErrorResponse(o.key, o.flowID, flowhs.OperationReroute, err)
	resp.Outcome = string(StateFinishedWithError)
	o.respond(ctx, resp)
}

// fail keeps the first failure seen.
func (o *Operation) fail(payload any) *flowhs.Error {
	if o.failure == nil {
		o.failure = flowhs.ErrorFromPayload(payload, o.flowID)
	}
	return o.failure
}

func onActionError(ctx context.Context, o *Operation, state fsm.State, err error) {
	fe := flowhs.AsError(err, o.flowID)
	if o.failure == nil {
		o.failure = fe
	}
	o.deps.Logger(ctx).Error(ctx, "flow reroute aborted",
		logging.String("state", string(state)),
		logging.Err(err),
	)
	o.deps.SaveHistory(ctx, o.key, o.flowID, "Failed to reroute the flow", fe.Error(), nil, nil)
	o.respondError(ctx, o.failure)
}

func reportError(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	fe := o.fail(payload)
	if fe.Kind == flowhs.KindInternal && fe.Message == "" {
		fe.Message = "Could not reroute flow"
	}
	o.deps.Logger(ctx).Warn(ctx, "flow reroute rejected",
		logging.String("kind", string(fe.Kind)),
		logging.Err(fe),
	)
	o.deps.SaveHistory(ctx, o.key, o.flowID, "Failed to reroute the flow", fe.Error(), nil, nil)
	o.respondError(ctx, fe)
	return "", nil
}
