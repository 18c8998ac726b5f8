package flowhs

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// UpdateIslsBandwidth recomputes the available bandwidth of every link the
// paths cross from the paths currently stored. It fails with
// ResourceExhausted when a link a bandwidth-reserving path uses ends up
// oversubscribed.
func UpdateIslsBandwidth(ctx context.Context, tx persistence.Repositories, paths ...*model.FlowPath) error {
	return updateIsls(ctx, tx, nil, paths)
}

// UpdateIslsBandwidthReclaiming is UpdateIslsBandwidth for a flow moving
// off replaced: what the replaced paths hold on a link does not count as
// oversubscription, since it is released once the move completes.
func UpdateIslsBandwidthReclaiming(ctx context.Context, tx persistence.Repositories, replaced []*model.FlowPath, paths ...*model.FlowPath) error {
	reclaim := make(map[model.IslEndpoints]int64)
	for _, p := range replaced {
		if p == nil || p.IgnoreBandwidth {
			continue
		}
		for _, seg := range p.Segments {
			reclaim[model.EndpointsOf(seg)] += p.Bandwidth
		}
	}
	return updateIsls(ctx, tx, reclaim, paths)
}

func updateIsls(ctx context.Context, tx persistence.Repositories, reclaim map[model.IslEndpoints]int64, paths []*model.FlowPath) error {
	seen := make(map[model.IslEndpoints]bool)
	for _, p := range paths {
		if p == nil {
			continue
		}
		for _, seg := range p.Segments {
			link := model.EndpointsOf(seg)
			if seen[link] {
				continue
			}
			seen[link] = true

			used, err := tx.FlowPaths().UsedBandwidthBetweenEndpoints(ctx, link)
			if err != nil {
				return Wrap(KindPersistenceFailure, "Failed to update ISL bandwidth", err)
			}
			isl, err := tx.Isls().FindByEndpoints(ctx, link)
			if err != nil {
				return Wrap(KindPersistenceFailure, "Failed to update ISL bandwidth", fmt.Errorf("isl %s: %w", link, err))
			}
			isl.AvailableBandwidth = isl.MaxBandwidth - used
			if isl.AvailableBandwidth+reclaim[link] < 0 && !p.IgnoreBandwidth && p.Bandwidth > 0 {
				return Errorf(KindResourceExhausted, "Not enough bandwidth",
					"isl %s is oversubscribed: max %d, used %d", link, isl.MaxBandwidth, used)
			}
			if err := tx.Isls().CreateOrUpdate(ctx, isl); err != nil {
				return Wrap(KindPersistenceFailure, "Failed to update ISL bandwidth", err)
			}
		}
	}
	return nil
}

// LockInvolvedSwitches locks every switch the paths touch. The repository
// takes the locks in ascending id order.
func LockInvolvedSwitches(ctx context.Context, tx persistence.Repositories, paths ...*model.FlowPath) error {
	var ids []model.SwitchID
	for _, p := range paths {
		if p != nil {
			ids = append(ids, p.Switches()...)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Switches().Lock(ctx, model.SortSwitchIDs(ids)...); err != nil {
		return Wrap(KindPersistenceFailure, "Failed to lock switches", err)
	}
	return nil
}
