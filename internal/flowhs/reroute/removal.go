package reroute

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/history"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// ruleAt identifies a rule slot on a switch. An install into an occupied
// slot replaces the rule in place.
type ruleAt struct {
	switchID model.SwitchID
	key      speaker.RuleKey
}

func slotOf(cmd speaker.InstallCommand) ruleAt {
	e := cmd.Entry()
	return ruleAt{switchID: e.SwitchID, key: e.Key()}
}

// oldIngress rebuilds the ingress installs of the old paths.
func (o *Operation) oldIngress(ctx context.Context) []speaker.InstallCommand {
	var out []speaker.InstallCommand
	for _, p := range o.oldPaths() {
		if p == nil {
			continue
		}
		cmd, err := o.deps.Factory.CreateInstallIngressRule(o.flow, p, o.encapsulation(p))
		if err != nil {
			o.deps.Logger(ctx).Warn(ctx, "cannot rebuild old ingress rule",
				logging.String("path_id", string(p.PathID)),
				logging.Err(err),
			)
			continue
		}
		out = append(out, cmd)
	}
	return out
}

func bySlot(cmds []speaker.InstallCommand) map[ruleAt]speaker.InstallCommand {
	out := make(map[ruleAt]speaker.InstallCommand, len(cmds))
	for _, cmd := range cmds {
		out[slotOf(cmd)] = cmd
	}
	return out
}

// removeMeterIfReplaced deletes the meter of gone when the rule that took
// its slot does not use it.
func (o *Operation) removeMeterIfReplaced(gone, by speaker.InstallCommand) []speaker.Command {
	e := gone.Entry()
	if e.MeterID == 0 || e.MeterID == by.Entry().MeterID {
		return nil
	}
	return []speaker.Command{o.deps.Factory.CreateRemoveMeter(o.flow, e.SwitchID, e.Cookie, e.MeterID)}
}

// oldRuleRemovals deletes the old paths' rules. An old ingress whose slot the
// new ingress took over is already gone; only its meter is left behind.
func (o *Operation) oldRuleRemovals(ctx context.Context) []speaker.Command {
	fresh := bySlot(o.ingress)
	var out []speaker.Command
	for _, p := range o.oldPaths() {
		if p == nil {
			continue
		}
		rules, err := o.deps.Factory.CreateRemoveNonIngressRules(o.flow, p, o.encapsulation(p))
		if err != nil {
			o.deps.Logger(ctx).Warn(ctx, "cannot build old rule removal",
				logging.String("path_id", string(p.PathID)),
				logging.Err(err),
			)
		}
		for _, r := range rules {
			out = append(out, r)
		}
	}
	for _, old := range o.oldIngress(ctx) {
		if replacement, ok := fresh[slotOf(old)]; ok {
			out = append(out, o.removeMeterIfReplaced(old, replacement)...)
			continue
		}
		out = append(out, o.deps.Factory.CreateRemoveRule(old))
	}
	return out
}

func removeOldRules(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	cmds := o.oldRuleRemovals(ctx)
	o.deps.SaveHistory(ctx, o.key, o.flowID, "Remove commands for old rules have been sent",
		fmt.Sprintf("%d command(s)", len(cmds)), nil, nil)
	return o.stages.SendRemovals(ctx, cmds)
}

// completeOldPathRemoval deletes the old path rows, releases their
// resources and brings the flow UP on the new paths.
func completeOldPathRemoval(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	d := o.deps
	o.stages.StoreNonDeleted(ctx, payload)

	err := d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := flowhs.LockInvolvedSwitches(ctx, tx, append(o.oldPaths(), o.newPaths()...)...); err != nil {
			return err
		}
		for _, p := range o.oldPaths() {
			if p == nil {
				continue
			}
			if err := tx.FlowPaths().Delete(ctx, p.PathID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return err
			}
		}
		for _, p := range o.newPaths() {
			if err := tx.FlowPaths().UpdateStatus(ctx, p.PathID, model.FlowPathStatusActive); err != nil {
				return err
			}
		}
		if err := tx.Flows().UpdateStatus(ctx, o.flowID, model.FlowStatusUp); err != nil {
			return err
		}
		return flowhs.UpdateIslsBandwidth(ctx, tx, o.oldPaths()...)
	})
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Failed to remove old flow paths", err)
	}
	if o.oldResources != nil {
		d.Resources.Deallocate(ctx, *o.oldResources)
	}
	o.flow.Status = model.FlowStatusUp
	o.flow.ForwardPathID, o.flow.ReversePathID = o.newForward.PathID, o.newReverse.PathID
	o.newForward.Status = model.FlowPathStatusActive
	o.newReverse.Status = model.FlowPathStatusActive

	d.Logger(ctx).Info(ctx, "flow rerouted",
		logging.String("forward_path", string(o.newForward.PathID)),
		logging.String("reverse_path", string(o.newReverse.PathID)),
		logging.Bool("path_changed", o.pathChanged),
	)
	d.SaveHistory(ctx, o.key, o.flowID, "Flow was rerouted successfully", "",
		history.DumpFlow(o.flow, o.oldForward(), o.oldReverse()), history.DumpFlow(o.flow, o.newForward, o.newReverse))
	resp := flowhs.SuccessResponse(o.key, flowhs.OperationReroute, o.flowID, string(StateFinished), o.newForward, o.newReverse)
	resp.PathChanged = o.pathChanged
	o.respond(ctx, resp)
	return "", nil
}

// revertPathsSwap points the flow back at the old paths with the statuses
// they had before the swap.
func revertPathsSwap(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	fe := o.fail(payload)
	d := o.deps
	d.Logger(ctx).Warn(ctx, "reverting path swap",
		logging.String("kind", string(fe.Kind)),
		logging.Err(fe),
	)
	if !o.swapped {
		return fsm.EventNext, nil
	}
	err := d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := flowhs.LockInvolvedSwitches(ctx, tx, append(o.oldPaths(), o.newPaths()...)...); err != nil {
			return err
		}
		flow, err := tx.Flows().FindByID(ctx, o.flowID)
		if err != nil {
			return err
		}
		ids := [2]model.PathID{}
		for i, old := range o.old {
			if old.path == nil {
				continue
			}
			ids[i] = old.path.PathID
			if err := tx.FlowPaths().UpdateStatus(ctx, old.path.PathID, old.status); err != nil {
				return err
			}
		}
		flow.ForwardPathID, flow.ReversePathID = ids[0], ids[1]
		flow.TimeModify = d.Now()
		return tx.Flows().CreateOrUpdate(ctx, flow)
	})
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Failed to revert flow paths", err)
	}
	o.swapped = false
	d.SaveHistory(ctx, o.key, o.flowID, "Flow was reverted to old paths", fe.Error(), nil, nil)
	return fsm.EventNext, nil
}

// newRuleRemovals undoes every install of this reroute that was confirmed or
// is still in flight. A new ingress that took over an old ingress slot is
// overwritten with the old rule instead of being deleted.
func (o *Operation) newRuleRemovals(ctx context.Context) []speaker.Command {
	old := bySlot(o.oldIngress(ctx))
	var out []speaker.Command
	for _, b := range o.stages.Installs() {
		sent := append(b.Confirmed(), b.Pending().Commands()...)
		for _, c := range sent {
			install, ok := c.(speaker.InstallCommand)
			if !ok {
				continue
			}
			if previous, ok := old[slotOf(install)]; ok {
				out = append(out, previous)
				out = append(out, o.removeMeterIfReplaced(install, previous)...)
				continue
			}
			out = append(out, o.deps.Factory.CreateRemoveRule(install))
		}
	}
	return out
}

func removeNewRules(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	fe := o.fail(payload)
	o.deps.Logger(ctx).Warn(ctx, "removing new rules",
		logging.String("kind", string(fe.Kind)),
		logging.Err(fe),
	)
	o.deps.SaveHistory(ctx, o.key, o.flowID, "Started rollback", fe.Error(), nil, nil)
	return o.stages.SendRemovals(ctx, o.newRuleRemovals(ctx))
}

// revertResourceAllocation deletes the new paths, releases their resources
// and restores the flow status seen before the reroute.
func revertResourceAllocation(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	d := o.deps
	o.stages.StoreNonDeleted(ctx, payload)
	if o.newResources == nil {
		return fsm.EventNext, nil
	}
	err := d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := flowhs.LockInvolvedSwitches(ctx, tx, append(o.oldPaths(), o.newPaths()...)...); err != nil {
			return err
		}
		for _, p := range o.newPaths() {
			if err := tx.FlowPaths().Delete(ctx, p.PathID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return err
			}
		}
		if err := tx.Flows().UpdateStatus(ctx, o.flowID, o.oldStatus); err != nil {
			return err
		}
		return flowhs.UpdateIslsBandwidth(ctx, tx, o.newPaths()...)
	})
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Failed to deallocate flow resources", err)
	}
	d.Resources.Deallocate(ctx, *o.newResources)
	d.SaveHistory(ctx, o.key, o.flowID, "Flow resources were deallocated",
		fmt.Sprintf("forward %s, reverse %s", o.newForward.PathID, o.newReverse.PathID), nil, nil)
	o.newResources = nil
	return fsm.EventNext, nil
}

func handleNotRerouted(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	fe := o.failure
	if fe == nil {
		fe = &flowhs.Error{Kind: flowhs.KindInternal, Message: couldNotReroute, FlowID: o.flowID}
	}
	o.deps.Logger(ctx).Warn(ctx, "flow was not rerouted",
		logging.String("kind", string(fe.Kind)),
		logging.Err(fe),
	)
	o.deps.SaveHistory(ctx, o.key, o.flowID, "Failed to reroute the flow", fe.Error(), nil, nil)
	o.respondError(ctx, fe)
	return "", nil
}
