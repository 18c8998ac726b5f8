package reroute

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/history"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

const couldNotReroute = "Could not reroute flow"

func inProgress(flowID string) error {
	return flowhs.Errorf(flowhs.KindValidation, couldNotReroute, "flow %s is in progress", flowID)
}

func validateFlow(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	flow, err := o.deps.Store.Flows().FindByID(ctx, o.flowID)
	if errors.Is(err, persistence.ErrNotFound) {
		return "", flowhs.Errorf(flowhs.KindNotFound, couldNotReroute, "flow %s not found", o.flowID)
	}
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, couldNotReroute, err)
	}
	if flow.Status == model.FlowStatusInProgress {
		return "", inProgress(o.flowID)
	}
	o.deps.SaveHistory(ctx, o.key, o.flowID, "Flow was validated successfully",
		fmt.Sprintf("status %s, force %t", flow.Status, o.force), nil, nil)
	return fsm.EventNext, nil
}

// allocateResources computes the new paths. When nothing changed it skips
// the reroute; otherwise it reserves identifiers, reusing the flow cookie,
// and stores the new paths IN_PROGRESS next to the old ones. A failure
// leaves the flow as it was.
func allocateResources(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	d := o.deps
	log := d.Logger(ctx)
	loader := flowhs.NewFlowLoader(d.Store, o.flowID)
	flow, err := loader.Flow(ctx)
	if err != nil {
		return "", err
	}
	var old [2]pathState
	for i, id := range []model.PathID{flow.ForwardPathID, flow.ReversePathID} {
		p, err := loader.OptionalPath(ctx, id)
		if err != nil {
			return "", err
		}
		if p != nil {
			old[i] = pathState{path: p, status: p.Status}
		}
	}
	o.flow, o.old, o.oldStatus = flow, old, flow.Status

	pair, err := d.Paths.GetPath(ctx, flow, true)
	if err != nil {
		kind := flowhs.KindOf(err)
		if kind == flowhs.KindUnroutable || kind == flowhs.KindRecoverable {
			o.failure = flowhs.AsError(flowhs.Errorf(kind, couldNotReroute,
				"Not enough bandwidth found or path not found: %v", err), o.flowID)
			return EventNoPathFound, nil
		}
		return "", flowhs.Wrap(kind, couldNotReroute, err)
	}

	oldFwd, oldRev := o.oldForward(), o.oldReverse()
	same := oldFwd != nil && oldRev != nil &&
		oldFwd.SameSegments(pair.Forward.Segments) && oldRev.SameSegments(pair.Reverse.Segments)
	o.pathChanged = !same
	if same && flow.IsActive() && !o.force {
		return EventRerouteIsSkipped, nil
	}

	var reuseCookie uint64
	if oldFwd != nil {
		reuseCookie = oldFwd.Cookie.Unmasked()
	}
	res, err := d.Resources.Allocate(ctx, flow, reuseCookie)
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindOf(err), "Unable to allocate flow resources", err)
	}
	now := d.Now()
	forward := flowhs.NewFlowPath(flow, res.Forward, res.ForwardCookie(), pair.Forward, now)
	reverse := flowhs.NewFlowPath(flow, res.Reverse, res.ReverseCookie(), pair.Reverse, now)

	err = d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := flowhs.LockInvolvedSwitches(ctx, tx, forward, reverse, oldFwd, oldRev); err != nil {
			return err
		}
		current, err := tx.Flows().FindByID(ctx, o.flowID)
		if err != nil {
			return err
		}
		if current.Status == model.FlowStatusInProgress {
			return inProgress(o.flowID)
		}
		for _, p := range []*model.FlowPath{forward, reverse} {
			if err := tx.FlowPaths().CreateOrUpdate(ctx, p); err != nil {
				return err
			}
		}
		if err := flowhs.UpdateIslsBandwidthReclaiming(ctx, tx, o.oldPaths(), forward, reverse); err != nil {
			return err
		}
		return tx.Flows().UpdateStatus(ctx, o.flowID, model.FlowStatusInProgress)
	})
	if err != nil {
		d.Resources.Deallocate(ctx, res)
		if flowhs.KindOf(err) == flowhs.KindInternal {
			return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Unable to allocate flow resources", err)
		}
		return "", err
	}
	o.newForward, o.newReverse, o.newResources = forward, reverse, &res

	log.Info(ctx, "reroute resources allocated",
		logging.String("cookie", res.ForwardCookie().String()),
		logging.String("forward_path", string(forward.PathID)),
		logging.String("reverse_path", string(reverse.PathID)),
		logging.Bool("path_changed", o.pathChanged),
		logging.String("bandwidth", humanize.Comma(flow.Bandwidth)+" kbps"),
	)
	d.SaveHistory(ctx, o.key, o.flowID, "Resources were allocated",
		fmt.Sprintf("forward %s, reverse %s, path changed %t", forward.PathID, reverse.PathID, o.pathChanged),
		history.DumpFlow(flow, oldFwd, oldRev), history.DumpFlow(flow, forward, reverse))
	return fsm.EventNext, nil
}

func respondSkipped(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	o.deps.Logger(ctx).Info(ctx, "reroute skipped, path is unchanged")
	o.deps.SaveHistory(ctx, o.key, o.flowID, "Reroute is skipped", "flow is active and its path is unchanged", nil, nil)
	o.respond(ctx, flowhs.SuccessResponse(o.key, flowhs.OperationReroute, o.flowID,
		string(StateRerouteIsSkipped), o.oldForward(), o.oldReverse()))
	return "", nil
}

// respondNoPath reports the current paths together with the reason none
// could be computed.
func respondNoPath(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	fe := o.failure
	o.deps.Logger(ctx).Warn(ctx, "no path found for reroute", logging.Err(fe))
	o.deps.SaveHistory(ctx, o.key, o.flowID, "No path found", fe.Error(), nil, nil)
	resp := flowhs.SuccessResponse(o.key, flowhs.OperationReroute, o.flowID,
		string(StateNoPathFound), o.oldForward(), o.oldReverse())
	resp.Error = flowhs.ErrorResponse(o.key, o.flowID, flowhs.OperationReroute, fe).Error
	o.respond(ctx, resp)
	return "", nil
}

// swapPaths points the flow at the new paths and parks the old ones
// IN_PROGRESS, remembering their statuses for a revert.
func swapPaths(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	d := o.deps
	var old [2]pathState
	err := d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := flowhs.LockInvolvedSwitches(ctx, tx, append(o.oldPaths(), o.newPaths()...)...); err != nil {
			return err
		}
		flow, err := tx.Flows().FindByID(ctx, o.flowID)
		if err != nil {
			return err
		}
		for i, id := range []model.PathID{flow.ForwardPathID, flow.ReversePathID} {
			if id == "" {
				continue
			}
			p, err := tx.FlowPaths().FindByID(ctx, id)
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			old[i] = pathState{path: p, status: p.Status}
			if err := tx.FlowPaths().UpdateStatus(ctx, id, model.FlowPathStatusInProgress); err != nil {
				return err
			}
		}
		flow.ForwardPathID, flow.ReversePathID = o.newForward.PathID, o.newReverse.PathID
		flow.TimeModify = d.Now()
		return tx.Flows().CreateOrUpdate(ctx, flow)
	})
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Failed to swap flow paths", err)
	}
	o.old = old
	o.oldResources = o.resourcesOf(o.oldForward(), o.oldReverse())
	o.swapped = true

	d.SaveHistory(ctx, o.key, o.flowID, "Flow was updated with new paths",
		fmt.Sprintf("forward %s, reverse %s", o.newForward.PathID, o.newReverse.PathID), nil, nil)
	return fsm.EventNext, nil
}

// resourcesOf rebuilds what was allocated for a stored path pair.
func (o *Operation) resourcesOf(forward, reverse *model.FlowPath) *model.FlowResources {
	if forward == nil || reverse == nil {
		return nil
	}
	return &model.FlowResources{
		UnmaskedCookie: forward.Cookie.Unmasked(),
		Forward:        o.pathResources(forward),
		Reverse:        o.pathResources(reverse),
	}
}

func (o *Operation) pathResources(p *model.FlowPath) model.PathResources {
	res := model.PathResources{PathID: p.PathID, MeterID: p.MeterID}
	if p.MeterID != 0 {
		res.MeterSwitchID = p.SrcSwitchID
	}
	if enc, ok := o.deps.Resources.GetEncapsulationResources(p.PathID, o.flow.Encapsulation); ok {
		res.Encapsulation = &enc
	}
	return res
}

// encapsulation finds the transit id of a new or old path.
func (o *Operation) encapsulation(p *model.FlowPath) *model.EncapsulationResources {
	for _, res := range []*model.FlowResources{o.newResources, o.oldResources} {
		if res == nil {
			continue
		}
		if side, ok := res.ByPathID(p.PathID); ok {
			return side.Encapsulation
		}
	}
	if enc, ok := o.deps.Resources.GetEncapsulationResources(p.PathID, o.flow.Encapsulation); ok {
		return &enc
	}
	return nil
}
