package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

type flowRepo struct {
	s *Store
	t *tx
}

func (r flowRepo) FindByID(_ context.Context, flowID string) (*model.Flow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	f, ok := r.s.flows[flowID]
	if !ok {
		return nil, notFound("flow", flowID)
	}
	return f.Clone(), nil
}

func (r flowRepo) Exists(_ context.Context, flowID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.flows[flowID]
	return ok, nil
}

func (r flowRepo) FindAll(_ context.Context) ([]*model.Flow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*model.Flow, 0, len(r.s.flows))
	for _, f := range r.s.flows {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

func (r flowRepo) CreateOrUpdate(_ context.Context, flow *model.Flow) error {
	if flow == nil || flow.FlowID == "" {
		return fmt.Errorf("persistence: flow id is required")
	}
	if r.t != nil {
		if err := r.t.check(); err != nil {
			return err
		}
	}
	r.s.putFlow(r.t, flow)
	return nil
}

func (r flowRepo) UpdateStatus(ctx context.Context, flowID string, status model.FlowStatus) error {
	f, err := r.FindByID(ctx, flowID)
	if err != nil {
		return err
	}
	f.Status = status
	return r.CreateOrUpdate(ctx, f)
}

func (r flowRepo) Delete(_ context.Context, flowID string) error {
	if r.t != nil {
		if err := r.t.check(); err != nil {
			return err
		}
	}
	if !r.s.deleteFlow(r.t, flowID) {
		return notFound("flow", flowID)
	}
	return nil
}

type pathRepo struct {
	s *Store
	t *tx
}

func (r pathRepo) FindByID(_ context.Context, pathID model.PathID) (*model.FlowPath, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.paths[pathID]
	if !ok {
		return nil, notFound("flow path", pathID)
	}
	return p.Clone(), nil
}

func (r pathRepo) FindByFlowID(_ context.Context, flowID string) ([]*model.FlowPath, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return sortedPaths(r.s.paths, func(p *model.FlowPath) bool { return p.FlowID == flowID }), nil
}

func (r pathRepo) CreateOrUpdate(_ context.Context, path *model.FlowPath) error {
	if path == nil || path.PathID == "" {
		return fmt.Errorf("persistence: path id is required")
	}
	if r.t != nil {
		if err := r.t.check(); err != nil {
			return err
		}
	}
	r.s.putPath(r.t, path)
	return nil
}

func (r pathRepo) UpdateStatus(ctx context.Context, pathID model.PathID, status model.FlowPathStatus) error {
	p, err := r.FindByID(ctx, pathID)
	if err != nil {
		return err
	}
	p.Status = status
	return r.CreateOrUpdate(ctx, p)
}

func (r pathRepo) Delete(_ context.Context, pathID model.PathID) error {
	if r.t != nil {
		if err := r.t.check(); err != nil {
			return err
		}
	}
	if !r.s.deletePath(r.t, pathID) {
		return notFound("flow path", pathID)
	}
	return nil
}

func (r pathRepo) UsedBandwidthBetweenEndpoints(_ context.Context, link model.IslEndpoints) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var used int64
	for _, p := range r.s.paths {
		if p.IgnoreBandwidth {
			continue
		}
		for _, seg := range p.Segments {
			if model.EndpointsOf(seg) == link {
				used += p.Bandwidth
			}
		}
	}
	return used, nil
}

type switchRepo struct {
	s *Store
	t *tx
}

func (r switchRepo) FindByID(_ context.Context, id model.SwitchID) (*model.Switch, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sw, ok := r.s.switches[id]
	if !ok {
		return nil, notFound("switch", id)
	}
	c := *sw
	return &c, nil
}

func (r switchRepo) Exists(_ context.Context, id model.SwitchID) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.switches[id]
	return ok, nil
}

func (r switchRepo) FindAll(_ context.Context) ([]*model.Switch, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*model.Switch, 0, len(r.s.switches))
	for _, sw := range r.s.switches {
		c := *sw
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SwitchID < out[j].SwitchID })
	return out, nil
}

func (r switchRepo) CreateOrUpdate(_ context.Context, sw *model.Switch) error {
	if sw == nil {
		return fmt.Errorf("persistence: switch is required")
	}
	if r.t != nil {
		if err := r.t.check(); err != nil {
			return err
		}
	}
	r.s.putSwitch(r.t, sw)
	return nil
}

func (r switchRepo) Lock(ctx context.Context, ids ...model.SwitchID) error {
	if r.t == nil {
		return persistence.ErrNoTransaction
	}
	return r.t.lock(ctx, ids)
}

type islRepo struct {
	s *Store
	t *tx
}

func (r islRepo) FindByEndpoints(_ context.Context, link model.IslEndpoints) (*model.Isl, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	isl, ok := r.s.isls[link]
	if !ok {
		return nil, notFound("isl", link)
	}
	return isl.Clone(), nil
}

func (r islRepo) FindAll(_ context.Context) ([]*model.Isl, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*model.Isl, 0, len(r.s.isls))
	for _, isl := range r.s.isls {
		out = append(out, isl.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].IslEndpoints, out[j].IslEndpoints
		if a.SrcSwitchID != b.SrcSwitchID {
			return a.SrcSwitchID < b.SrcSwitchID
		}
		if a.SrcPort != b.SrcPort {
			return a.SrcPort < b.SrcPort
		}
		if a.DstSwitchID != b.DstSwitchID {
			return a.DstSwitchID < b.DstSwitchID
		}
		return a.DstPort < b.DstPort
	})
	return out, nil
}

func (r islRepo) CreateOrUpdate(_ context.Context, isl *model.Isl) error {
	if isl == nil {
		return fmt.Errorf("persistence: isl is required")
	}
	if r.t != nil {
		if err := r.t.check(); err != nil {
			return err
		}
	}
	r.s.putIsl(r.t, isl)
	return nil
}
