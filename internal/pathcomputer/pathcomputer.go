// Package pathcomputer finds forward/reverse path pairs over the ISL graph
// held in the store.
package pathcomputer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

var (
	// ErrUnroutable means no path with enough capacity connects the flow
	// endpoints.
	ErrUnroutable = errors.New("pathcomputer: unroutable flow")
	// ErrRecoverable means the search failed for a transient reason and may
	// succeed if retried.
	ErrRecoverable = errors.New("pathcomputer: recoverable error")
)

// Path is one directed path returned by a PathComputer.
type Path struct {
	SrcSwitchID model.SwitchID
	DstSwitchID model.SwitchID
	Latency     time.Duration
	Segments    []model.PathSegment
}

// PathPair is the forward and reverse realisation of a flow.
type PathPair struct {
	Forward Path
	Reverse Path
}

// PathComputer computes paths for flows. When reuseCurrent is set the
// bandwidth reserved by the flow's own current paths counts as available.
type PathComputer interface {
	GetPath(ctx context.Context, flow *model.Flow, reuseCurrent bool) (PathPair, error)
}

// BFSComputer returns the path with the fewest hops whose links, in both
// directions, are active and have room for the flow. Ties are broken by
// switch id then port so results are stable.
type BFSComputer struct {
	repos persistence.Repositories
	log   logging.Logger
}

// NewBFSComputer builds a computer reading topology from repos.
func NewBFSComputer(repos persistence.Repositories, log logging.Logger) *BFSComputer {
	if log == nil {
		log = logging.Noop()
	}
	return &BFSComputer{repos: repos, log: log}
}

// GetPath implements PathComputer.
func (c *BFSComputer) GetPath(ctx context.Context, flow *model.Flow, reuseCurrent bool) (PathPair, error) {
	if err := ctx.Err(); err != nil {
		return PathPair{}, fmt.Errorf("%w: %v", ErrRecoverable, err)
	}
	if flow == nil {
		return PathPair{}, fmt.Errorf("%w: flow is required", ErrUnroutable)
	}

	for _, id := range []model.SwitchID{flow.Src.SwitchID, flow.Dst.SwitchID} {
		sw, err := c.repos.Switches().FindByID(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			return PathPair{}, fmt.Errorf("%w: switch %s not found", ErrUnroutable, id)
		}
		if err != nil {
			return PathPair{}, fmt.Errorf("%w: load switch %s: %v", ErrRecoverable, id, err)
		}
		if !sw.IsActive() {
			return PathPair{}, fmt.Errorf("%w: switch %s is %s", ErrUnroutable, id, sw.Status)
		}
	}

	if flow.IsOneSwitchFlow() {
		return PathPair{
			Forward: Path{SrcSwitchID: flow.Src.SwitchID, DstSwitchID: flow.Dst.SwitchID},
			Reverse: Path{SrcSwitchID: flow.Dst.SwitchID, DstSwitchID: flow.Src.SwitchID},
		}, nil
	}

	isls, err := c.repos.Isls().FindAll(ctx)
	if err != nil {
		return PathPair{}, fmt.Errorf("%w: load isls: %v", ErrRecoverable, err)
	}

	reclaim := map[model.IslEndpoints]int64{}
	if reuseCurrent && !flow.IgnoreBandwidth {
		if reclaim, err = c.ownReservations(ctx, flow); err != nil {
			return PathPair{}, err
		}
	}

	g := newGraph(isls, requiredBandwidth(flow), reclaim)
	hops := g.shortest(flow.Src.SwitchID, flow.Dst.SwitchID)
	if hops == nil {
		return PathPair{}, fmt.Errorf("%w: no path %s -> %s with %d available",
			ErrUnroutable, flow.Src.SwitchID, flow.Dst.SwitchID, requiredBandwidth(flow))
	}

	pair := PathPair{
		Forward: Path{SrcSwitchID: flow.Src.SwitchID, DstSwitchID: flow.Dst.SwitchID},
		Reverse: Path{SrcSwitchID: flow.Dst.SwitchID, DstSwitchID: flow.Src.SwitchID},
	}
	for _, isl := range hops {
		pair.Forward.Segments = append(pair.Forward.Segments, segmentOf(isl.IslEndpoints, isl.Latency))
		pair.Forward.Latency += isl.Latency
	}
	for i := len(hops) - 1; i >= 0; i-- {
		back := g.links[hops[i].Reverse()]
		pair.Reverse.Segments = append(pair.Reverse.Segments, segmentOf(back.IslEndpoints, back.Latency))
		pair.Reverse.Latency += back.Latency
	}

	c.log.Debug(ctx, "path computed",
		logging.String("flow_id", flow.FlowID),
		logging.Int("hops", len(hops)),
		logging.Duration("latency", pair.Forward.Latency),
	)
	return pair, nil
}

// ownReservations sums the bandwidth the flow's stored paths hold per link.
func (c *BFSComputer) ownReservations(ctx context.Context, flow *model.Flow) (map[model.IslEndpoints]int64, error) {
	paths, err := c.repos.FlowPaths().FindByFlowID(ctx, flow.FlowID)
	if err != nil {
		return nil, fmt.Errorf("%w: load paths of %s: %v", ErrRecoverable, flow.FlowID, err)
	}
	out := make(map[model.IslEndpoints]int64)
	for _, p := range paths {
		if p.IgnoreBandwidth {
			continue
		}
		for _, seg := range p.Segments {
			out[model.EndpointsOf(seg)] += p.Bandwidth
		}
	}
	return out, nil
}

func requiredBandwidth(flow *model.Flow) int64 {
	if flow.IgnoreBandwidth {
		return 0
	}
	return flow.Bandwidth
}

func segmentOf(e model.IslEndpoints, latency time.Duration) model.PathSegment {
	return model.PathSegment{
		SrcSwitchID: e.SrcSwitchID,
		SrcPort:     e.SrcPort,
		DstSwitchID: e.DstSwitchID,
		DstPort:     e.DstPort,
		Latency:     latency,
	}
}

type graph struct {
	links map[model.IslEndpoints]*model.Isl
	adj   map[model.SwitchID][]*model.Isl
}

// newGraph keeps the links usable in both directions for the requested
// bandwidth.
func newGraph(isls []*model.Isl, bandwidth int64, reclaim map[model.IslEndpoints]int64) *graph {
	g := &graph{
		links: make(map[model.IslEndpoints]*model.Isl, len(isls)),
		adj:   make(map[model.SwitchID][]*model.Isl),
	}
	for _, isl := range isls {
		g.links[isl.IslEndpoints] = isl
	}
	usable := func(isl *model.Isl) bool {
		if isl == nil || isl.Status != model.IslStatusActive {
			return false
		}
		return isl.AvailableBandwidth+reclaim[isl.IslEndpoints] >= bandwidth
	}
	for _, isl := range isls {
		if usable(isl) && usable(g.links[isl.Reverse()]) {
			g.adj[isl.SrcSwitchID] = append(g.adj[isl.SrcSwitchID], isl)
		}
	}
	for _, out := range g.adj {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.DstSwitchID != b.DstSwitchID {
				return a.DstSwitchID < b.DstSwitchID
			}
			if a.SrcPort != b.SrcPort {
				return a.SrcPort < b.SrcPort
			}
			return a.DstPort < b.DstPort
		})
	}
	return g
}

// shortest returns the links of a fewest-hop path from src to dst, or nil.
func (g *graph) shortest(src, dst model.SwitchID) []*model.Isl {
	queue := []model.SwitchID{src}
	visited := map[model.SwitchID]bool{src: true}
	via := make(map[model.SwitchID]*model.Isl)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == dst {
			var hops []*model.Isl
			for node := dst; node != src; node = via[node].SrcSwitchID {
				hops = append(hops, via[node])
			}
			for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
				hops[i], hops[j] = hops[j], hops[i]
			}
			return hops
		}

		for _, isl := range g.adj[current] {
			next := isl.DstSwitchID
			if visited[next] {
				continue
			}
			visited[next] = true
			via[next] = isl
			queue = append(queue, next)
		}
	}
	return nil
}
