package flowhstest

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/history"
	"github.com/signalsfoundry/flow-orchestrator/internal/pathcomputer"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence/memory"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
	"github.com/signalsfoundry/flow-orchestrator/timectrl"
)

// Epoch is the start time of every fixture clock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Link stores both directions of an active ISL.
func Link(t testing.TB, s *memory.Store, a model.SwitchID, ap int, b model.SwitchID, bp int, bandwidth int64) {
	t.Helper()
	fwd := model.IslEndpoints{SrcSwitchID: a, SrcPort: ap, DstSwitchID: b, DstPort: bp}
	for _, e := range []model.IslEndpoints{fwd, fwd.Reverse()} {
		isl := &model.Isl{
			IslEndpoints:       e,
			Latency:            time.Millisecond,
			MaxBandwidth:       bandwidth,
			AvailableBandwidth: bandwidth,
			Status:             model.IslStatusActive,
		}
		if err := s.Isls().CreateOrUpdate(context.Background(), isl); err != nil {
			t.Fatalf("create isl %s: %v", e, err)
		}
	}
}

// Switches stores active switches.
func Switches(t testing.TB, s *memory.Store, ids ...model.SwitchID) {
	t.Helper()
	for _, id := range ids {
		if err := s.Switches().CreateOrUpdate(context.Background(), &model.Switch{SwitchID: id, Status: model.SwitchStatusActive}); err != nil {
			t.Fatalf("create switch %s: %v", id, err)
		}
	}
}

// Line builds 1 - 2 - 3 - 4 with 10 Gbps links. Port ab sits on switch a
// and faces switch b.
func Line(t testing.TB) *memory.Store {
	s := memory.NewStore()
	Switches(t, s, 1, 2, 3, 4)
	Link(t, s, 1, 12, 2, 21, 10_000_000)
	Link(t, s, 2, 23, 3, 32, 10_000_000)
	Link(t, s, 3, 34, 4, 43, 10_000_000)
	return s
}

// Diamond builds 1 - 2 - 4 (short) and 1 - 3 - 5 - 4 (long).
func Diamond(t testing.TB) *memory.Store {
	s := memory.NewStore()
	Switches(t, s, 1, 2, 3, 4, 5)
	Link(t, s, 1, 12, 2, 21, 10_000_000)
	Link(t, s, 2, 24, 4, 42, 10_000_000)
	Link(t, s, 1, 13, 3, 31, 10_000_000)
	Link(t, s, 3, 35, 5, 53, 10_000_000)
	Link(t, s, 5, 54, 4, 45, 10_000_000)
	return s
}

// SetIslStatus changes both directions of a link.
func SetIslStatus(t testing.TB, s *memory.Store, a model.SwitchID, ap int, b model.SwitchID, bp int, status model.IslStatus) {
	t.Helper()
	ctx := context.Background()
	fwd := model.IslEndpoints{SrcSwitchID: a, SrcPort: ap, DstSwitchID: b, DstPort: bp}
	for _, e := range []model.IslEndpoints{fwd, fwd.Reverse()} {
		isl, err := s.Isls().FindByEndpoints(ctx, e)
		if err != nil {
			t.Fatalf("find isl %s: %v", e, err)
		}
		isl.Status = status
		if err := s.Isls().CreateOrUpdate(ctx, isl); err != nil {
			t.Fatalf("update isl %s: %v", e, err)
		}
	}
}

// Flow returns a flow request between port 1 vlan 101 on src and port 2
// vlan 201 on dst.
func Flow(id string, src, dst model.SwitchID, bandwidth int64) *model.Flow {
	return &model.Flow{
		FlowID:        id,
		Src:           model.FlowEndpoint{SwitchID: src, Port: 1, VlanID: 101},
		Dst:           model.FlowEndpoint{SwitchID: dst, Port: 2, VlanID: 201},
		Bandwidth:     bandwidth,
		Encapsulation: model.EncapsulationTransitVlan,
	}
}

// Env is a ready to use set of orchestrator dependencies over a store.
type Env struct {
	Store   *memory.Store
	Carrier *Carrier
	Clock   *timectrl.ManualClock
	History *history.MemorySink
	Deps    *flowhs.Deps
}

// NewEnv wires deps over s with default resource ranges.
func NewEnv(t testing.TB, s *memory.Store, cfg flowhs.Config) *Env {
	t.Helper()
	mgr, err := resources.NewManager(resources.Config{}, nil)
	if err != nil {
		t.Fatalf("resource manager: %v", err)
	}
	return NewEnvWithResources(t, s, mgr, cfg)
}

// NewEnvWithResources is NewEnv with a caller supplied resource manager.
func NewEnvWithResources(t testing.TB, s *memory.Store, mgr *resources.Manager, cfg flowhs.Config) *Env {
	t.Helper()
	carrier := NewCarrier()
	clock := timectrl.NewManualClock(Epoch)
	sink := history.NewMemorySink()
	deps := &flowhs.Deps{
		Store:     s,
		Resources: mgr,
		Paths:     pathcomputer.NewBFSComputer(s, nil),
		Factory:   speaker.NewFlowCommandFactory(),
		Carrier:   carrier,
		History:   sink,
		Clock:     clock,
		Config:    cfg,
	}
	if err := deps.Validate(); err != nil {
		t.Fatalf("deps: %v", err)
	}
	return &Env{Store: s, Carrier: carrier, Clock: clock, History: sink, Deps: deps}
}

// Succeed answers cmds successfully. Dumps are answered from the agent when
// one is given, otherwise with no entries.
func Succeed(cmds []speaker.Command, agent *speaker.SwitchAgent) []speaker.Response {
	out := make([]speaker.Response, 0, len(cmds))
	for _, c := range cmds {
		if agent != nil {
			resp, err := agent.Handle(context.Background(), c)
			if err != nil {
				resp = speaker.FailureFor(c, speaker.ErrorCodeOf(speaker.ToStatusError(err)), err.Error())
			}
			out = append(out, resp)
			continue
		}
		out = append(out, speaker.SuccessFor(c))
	}
	return out
}
