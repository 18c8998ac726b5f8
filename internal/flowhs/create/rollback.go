package create

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// rollbackInstalledRules removes every rule a switch confirmed. Commands
// still pending are not removed.
func rollbackInstalledRules(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	fe := o.fail(payload)
	o.deps.Logger(ctx).Warn(ctx, "rolling back flow create",
		logging.String("kind", string(fe.Kind)),
		logging.Err(fe),
	)
	o.deps.SaveHistory(ctx, o.key, o.FlowID(), "Started rollback", fe.Error(), nil, nil)
	return o.stages.SendRemovals(ctx, flowhs.RemovalsFor(o.deps.Factory, o.stages.Installs()...))
}

func onRemoveResponse(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	return o.stages.OnRemoveResponse(ctx, payload)
}

// storeNonDeletedRules hands rules that could not be removed to the backlog.
func storeNonDeletedRules(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	o.stages.StoreNonDeleted(ctx, payload)
	return fsm.EventNext, nil
}

// deallocateResources deletes the paths, recomputes the links they crossed
// and releases the identifiers.
func deallocateResources(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	if o.resources == nil {
		return fsm.EventNext, nil
	}
	d := o.deps
	err := d.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := flowhs.LockInvolvedSwitches(ctx, tx, o.forward, o.reverse); err != nil {
			return err
		}
		for _, p := range []*model.FlowPath{o.forward, o.reverse} {
			if err := tx.FlowPaths().Delete(ctx, p.PathID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return err
			}
		}
		flow, err := tx.Flows().FindByID(ctx, o.FlowID())
		switch {
		case errors.Is(err, persistence.ErrNotFound):
		case err != nil:
			return err
		default:
			flow.ForwardPathID, flow.ReversePathID = "", ""
			flow.TimeModify = d.Now()
			if err := tx.Flows().CreateOrUpdate(ctx, flow); err != nil {
				return err
			}
		}
		return flowhs.UpdateIslsBandwidth(ctx, tx, o.forward, o.reverse)
	})
	if err != nil {
		return "", flowhs.Wrap(flowhs.KindPersistenceFailure, "Failed to deallocate flow resources", err)
	}
	d.Resources.Deallocate(ctx, *o.resources)
	d.SaveHistory(ctx, o.key, o.FlowID(), "Flow resources were deallocated",
		fmt.Sprintf("cookie %s", o.resources.ForwardCookie()), nil, nil)
	o.resources = nil
	return fsm.EventNext, nil
}

// handleNotCreated marks the flow DOWN and reports the original failure.
func handleNotCreated(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	log := o.deps.Logger(ctx)
	if o.flowStored {
		err := o.deps.Store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
			return tx.Flows().UpdateStatus(ctx, o.FlowID(), model.FlowStatusDown)
		})
		if err != nil {
			log.Warn(ctx, "failed to mark flow down", logging.Err(err))
		}
	}
	fe := o.failure
	if fe == nil {
		fe = &flowhs.Error{Kind: flowhs.KindInternal, Message: "Could not create flow", FlowID: o.FlowID()}
	}
	log.Warn(ctx, "flow was not created",
		logging.String("kind", string(fe.Kind)),
		logging.Err(fe),
	)
	o.deps.SaveHistory(ctx, o.key, o.FlowID(), "Failed to create the flow", fe.Error(), nil, nil)
	o.respondError(ctx, fe)
	return "", nil
}
