package create

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

// maxVlanID is the highest usable 802.1Q VID; 4095 is reserved.
const maxVlanID = 4094

func invalid(format string, args ...any) error {
	return flowhs.Errorf(flowhs.KindValidation, "Invalid flow", format, args...)
}

// validateRequest checks the request on its own, before touching the store.
func validateRequest(r Request) error {
	if r.FlowID == "" {
		return invalid("flow id is required")
	}
	if r.Bandwidth < 0 {
		return invalid("bandwidth %d is negative", r.Bandwidth)
	}
	if r.Encapsulation != "" {
		if _, err := model.ParseEncapsulationType(string(r.Encapsulation)); err != nil {
			return invalid("%v", err)
		}
	}
	for _, side := range []struct {
		name string
		ep   model.FlowEndpoint
	}{{"source", r.Src}, {"destination", r.Dst}} {
		if side.ep.SwitchID == 0 {
			return invalid("%s switch is required", side.name)
		}
		if side.ep.Port <= 0 {
			return invalid("%s port %d must be positive", side.name, side.ep.Port)
		}
		if side.ep.VlanID < 0 || side.ep.VlanID > maxVlanID {
			return invalid("%s vlan %d is outside [0, %d]", side.name, side.ep.VlanID, maxVlanID)
		}
	}
	if r.Src.SwitchID == r.Dst.SwitchID && r.Src.Port == r.Dst.Port && r.Src.VlanID == r.Dst.VlanID {
		return invalid("one-switch flow %s connects endpoint %s to itself", r.FlowID, r.Src)
	}
	return nil
}

func validateFlow(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	if err := validateRequest(o.req); err != nil {
		return "", err
	}
	repos := o.deps.Store

	exists, err := repos.Flows().Exists(ctx, o.FlowID())
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Could not create flow", err)
	}
	if exists {
		return "", flowhs.Errorf(flowhs.KindAlreadyExists, "Could not create flow", "flow %s already exists", o.FlowID())
	}

	for _, ep := range []model.FlowEndpoint{o.req.Src, o.req.Dst} {
		sw, err := repos.Switches().FindByID(ctx, ep.SwitchID)
		if errors.Is(err, persistence.ErrNotFound) {
			return "", flowhs.Errorf(flowhs.KindNotFound, "Could not create flow", "switch %s not found", ep.SwitchID)
		}
		if err != nil {
			return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Could not create flow", err)
		}
		if !sw.IsActive() {
			return "", invalid("switch %s is %s", ep.SwitchID, sw.Status)
		}
	}

	flows, err := repos.Flows().FindAll(ctx)
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Could not create flow", err)
	}
	for _, f := range flows {
		for _, theirs := range []model.FlowEndpoint{f.Src, f.Dst} {
			for _, ours := range []model.FlowEndpoint{o.req.Src, o.req.Dst} {
				if endpointsOverlap(theirs, ours) {
					return "", flowhs.Errorf(flowhs.KindAlreadyExists, "Could not create flow",
						"endpoint %s conflicts with flow %s", ours, f.FlowID)
				}
			}
		}
	}

	o.deps.Logger(ctx).Debug(ctx, "flow request validated", logging.String("flow", o.describe()))
	o.deps.SaveHistory(ctx, o.key, o.FlowID(), "Flow was validated successfully", o.describe(), nil, nil)
	return fsm.EventNext, nil
}

// endpointsOverlap reports whether two endpoints receive the same traffic. A
// port-wide endpoint (vlan 0) overlaps every vlan on its port.
func endpointsOverlap(a, b model.FlowEndpoint) bool {
	if a.SwitchID != b.SwitchID || a.Port != b.Port {
		return false
	}
	return a.VlanID == b.VlanID || a.VlanID == 0 || b.VlanID == 0
}

// allocateResources computes the paths, reserves identifiers and stores the
// flow with both paths IN_PROGRESS. A failure leaves nothing allocated.
func allocateResources(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	d := o.deps
	now := d.Now()
	flow := o.req.Flow()
	flow.TimeCreate, flow.TimeModify = now, now

	pair, err := d.Paths.GetPath(ctx, flow, false)
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindOf(err), "Could not create flow", err)
	}
	res, err := d.Resources.Allocate(ctx, flow, 0)
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindOf(err), "Failed to allocate flow resources", err)
	}
	flow.ForwardPathID, flow.ReversePathID = res.Forward.PathID, res.Reverse.PathID
	forward := flowhs.NewFlowPath(flow, res.Forward, res.ForwardCookie(), pair.Forward, now)
	reverse := flowhs.NewFlowPath(flow, res.Reverse, res.ReverseCookie(), pair.Reverse, now)

	err = d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := flowhs.LockInvolvedSwitches(ctx, tx, forward, reverse); err != nil {
			return err
		}
		exists, err := tx.Flows().Exists(ctx, flow.FlowID)
		if err != nil {
			return err
		}
		if exists {
			return flowhs.Errorf(flowhs.KindAlreadyExists, "Could not create flow", "flow %s already exists", flow.FlowID)
		}
		if err := tx.Flows().CreateOrUpdate(ctx, flow); err != nil {
			return err
		}
		for _, p := range []*model.FlowPath{forward, reverse} {
			if err := tx.FlowPaths().CreateOrUpdate(ctx, p); err != nil {
				return err
			}
		}
		return flowhs.UpdateIslsBandwidth(ctx, tx, forward, reverse)
	})
	if err != nil {
		d.Resources.Deallocate(ctx, res)
		if flowhs.KindOf(err) == flowhs.KindInternal {
			return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Failed to allocate flow resources", err)
		}
		return "", err
	}

	o.flow, o.forward, o.reverse, o.resources = flow, forward, reverse, &res
	o.flowStored = true

	d.Logger(ctx).Info(ctx, "flow resources allocated",
		logging.String("cookie", res.ForwardCookie().String()),
		logging.String("forward_path", string(forward.PathID)),
		logging.String("reverse_path", string(reverse.PathID)),
		logging.Int("hops", len(forward.Segments)),
		logging.String("bandwidth", humanize.Comma(flow.Bandwidth)+" kbps"),
	)
	d.SaveHistory(ctx, o.key, o.FlowID(), "Resources were allocated",
		fmt.Sprintf("cookie %s, forward %s, reverse %s", res.ForwardCookie(), forward.PathID, reverse.PathID),
		nil, history.DumpFlow(flow, forward, reverse))
	return fsm.EventNext, nil
}

func completeCreate(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	d := o.deps
	err := d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		for _, p := range []*model.FlowPath{o.forward, o.reverse} {
			if err := tx.FlowPaths().UpdateStatus(ctx, p.PathID, model.FlowPathStatusActive); err != nil {
				return err
			}
		}
		return tx.Flows().UpdateStatus(ctx, o.FlowID(), model.FlowStatusUp)
	})
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Failed to complete flow creation", err)
	}
	o.flow.Status = model.FlowStatusUp
	o.forward.Status = model.FlowPathStatusActive
	o.reverse.Status = model.FlowPathStatusActive

	d.Logger(ctx).Info(ctx, "flow created", logging.String("flow", o.describe()))
	d.SaveHistory(ctx, o.key, o.FlowID(), "Flow was created successfully", "",
		nil, history.DumpFlow(o.flow, o.forward, o.reverse))
	o.respond(ctx, flowhs.SuccessResponse(o.key, flowhs.OperationCreate, o.FlowID(), string(StateFinished), o.forward, o.reverse))
	return "", nil
}
