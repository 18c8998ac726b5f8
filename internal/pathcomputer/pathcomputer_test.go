package pathcomputer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/persistence/memory"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// link stores both directions of an ISL.
func link(t *testing.T, s *memory.Store, a model.SwitchID, ap int, b model.SwitchID, bp int, avail int64) {
	t.Helper()
	ctx := context.Background()
	fwd := model.IslEndpoints{SrcSwitchID: a, SrcPort: ap, DstSwitchID: b, DstPort: bp}
	for _, e := range []model.IslEndpoints{fwd, fwd.Reverse()} {
		isl := &model.Isl{
			IslEndpoints:       e,
			Latency:            time.Millisecond,
			MaxBandwidth:       avail,
			AvailableBandwidth: avail,
			Status:             model.IslStatusActive,
		}
		if err := s.Isls().CreateOrUpdate(ctx, isl); err != nil {
			t.Fatalf("create isl: %v", err)
		}
	}
}

func switches(t *testing.T, s *memory.Store, ids ...model.SwitchID) {
	t.Helper()
	for _, id := range ids {
		if err := s.Switches().CreateOrUpdate(context.Background(), &model.Switch{SwitchID: id, Status: model.SwitchStatusActive}); err != nil {
			t.Fatalf("create switch: %v", err)
		}
	}
}

func flow(src, dst model.SwitchID, bw int64) *model.Flow {
	return &model.Flow{
		FlowID:    "f1",
		Src:       model.FlowEndpoint{SwitchID: src, Port: 1},
		Dst:       model.FlowEndpoint{SwitchID: dst, Port: 2},
		Bandwidth: bw,
	}
}

// 1 - 2 - 4 is the short way, 1 - 3 - 5 - 4 the long one.
func diamond(t *testing.T, shortAvail int64) *memory.Store {
	s := memory.NewStore()
	switches(t, s, 1, 2, 3, 4, 5)
	link(t, s, 1, 11, 2, 21, shortAvail)
	link(t, s, 2, 22, 4, 41, shortAvail)
	link(t, s, 1, 12, 3, 31, 1000)
	link(t, s, 3, 32, 5, 51, 1000)
	link(t, s, 5, 52, 4, 42, 1000)
	return s
}

func TestGetPathPrefersFewestHops(t *testing.T) {
	s := diamond(t, 1000)
	pair, err := NewBFSComputer(s, nil).GetPath(context.Background(), flow(1, 4, 100), false)
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if got := len(pair.Forward.Segments); got != 2 {
		t.Fatalf("forward hops = %d, want 2", got)
	}
	first := pair.Forward.Segments[0]
	if first.SrcSwitchID != 1 || first.SrcPort != 11 || first.DstSwitchID != 2 || first.DstPort != 21 {
		t.Fatalf("first segment = %v", first)
	}
	if pair.Forward.Latency != 2*time.Millisecond {
		t.Fatalf("latency = %s", pair.Forward.Latency)
	}
}

func TestGetPathReverseMirrorsForward(t *testing.T) {
	s := diamond(t, 1000)
	pair, err := NewBFSComputer(s, nil).GetPath(context.Background(), flow(1, 4, 0), false)
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	fwd, rev := pair.Forward.Segments, pair.Reverse.Segments
	if len(fwd) != len(rev) {
		t.Fatalf("forward %d hops, reverse %d", len(fwd), len(rev))
	}
	for i := range fwd {
		want := model.EndpointsOf(fwd[len(fwd)-1-i]).Reverse()
		if got := model.EndpointsOf(rev[i]); got != want {
			t.Fatalf("reverse[%d] = %s, want %s", i, got, want)
		}
	}
	if pair.Reverse.SrcSwitchID != 4 || pair.Reverse.DstSwitchID != 1 {
		t.Fatalf("reverse endpoints = %s -> %s", pair.Reverse.SrcSwitchID, pair.Reverse.DstSwitchID)
	}
}

func TestGetPathSkipsLinksWithoutCapacity(t *testing.T) {
	s := diamond(t, 50)
	pair, err := NewBFSComputer(s, nil).GetPath(context.Background(), flow(1, 4, 100), false)
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if got := len(pair.Forward.Segments); got != 3 {
		t.Fatalf("forward hops = %d, want 3 around the full links", got)
	}
}

func TestGetPathIgnoreBandwidth(t *testing.T) {
	s := diamond(t, 0)
	f := flow(1, 4, 5000)
	f.IgnoreBandwidth = true
	pair, err := NewBFSComputer(s, nil).GetPath(context.Background(), f, false)
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if got := len(pair.Forward.Segments); got != 2 {
		t.Fatalf("forward hops = %d, want 2", got)
	}
}

func TestGetPathUnroutable(t *testing.T) {
	s := diamond(t, 1000)
	_, err := NewBFSComputer(s, nil).GetPath(context.Background(), flow(1, 4, 5000), false)
	if !errors.Is(err, ErrUnroutable) {
		t.Fatalf("err = %v, want ErrUnroutable", err)
	}

	_, err = NewBFSComputer(s, nil).GetPath(context.Background(), flow(1, 99, 0), false)
	if !errors.Is(err, ErrUnroutable) {
		t.Fatalf("unknown switch err = %v, want ErrUnroutable", err)
	}
}

func TestGetPathInactiveSwitchIsUnroutable(t *testing.T) {
	s := diamond(t, 1000)
	if err := s.Switches().CreateOrUpdate(context.Background(), &model.Switch{SwitchID: 4, Status: model.SwitchStatusInactive}); err != nil {
		t.Fatal(err)
	}
	_, err := NewBFSComputer(s, nil).GetPath(context.Background(), flow(1, 4, 0), false)
	if !errors.Is(err, ErrUnroutable) {
		t.Fatalf("err = %v, want ErrUnroutable", err)
	}
}

func TestGetPathCancelledContextIsRecoverable(t *testing.T) {
	s := diamond(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBFSComputer(s, nil).GetPath(ctx, flow(1, 4, 0), false)
	if !errors.Is(err, ErrRecoverable) {
		t.Fatalf("err = %v, want ErrRecoverable", err)
	}
}

func TestGetPathOneSwitch(t *testing.T) {
	s := diamond(t, 1000)
	pair, err := NewBFSComputer(s, nil).GetPath(context.Background(), flow(3, 3, 10), false)
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if len(pair.Forward.Segments) != 0 || len(pair.Reverse.Segments) != 0 {
		t.Fatalf("one-switch path has segments: %+v", pair)
	}
}

func TestGetPathReuseCountsOwnReservation(t *testing.T) {
	ctx := context.Background()
	s := diamond(t, 1000)

	// The flow holds 100 on the short way, leaving 0 available there and
	// on the long way as well.
	for _, e := range []model.IslEndpoints{
		{SrcSwitchID: 1, SrcPort: 12, DstSwitchID: 3, DstPort: 31},
		{SrcSwitchID: 3, SrcPort: 31, DstSwitchID: 1, DstPort: 12},
	} {
		if err := s.Isls().CreateOrUpdate(ctx, &model.Isl{IslEndpoints: e, MaxBandwidth: 100, AvailableBandwidth: 0, Status: model.IslStatusActive}); err != nil {
			t.Fatal(err)
		}
	}
	for _, e := range []model.IslEndpoints{
		{SrcSwitchID: 1, SrcPort: 11, DstSwitchID: 2, DstPort: 21},
		{SrcSwitchID: 2, SrcPort: 22, DstSwitchID: 4, DstPort: 41},
		{SrcSwitchID: 4, SrcPort: 41, DstSwitchID: 2, DstPort: 22},
		{SrcSwitchID: 2, SrcPort: 21, DstSwitchID: 1, DstPort: 11},
	} {
		if err := s.Isls().CreateOrUpdate(ctx, &model.Isl{IslEndpoints: e, Latency: time.Millisecond, MaxBandwidth: 100, AvailableBandwidth: 0, Status: model.IslStatusActive}); err != nil {
			t.Fatal(err)
		}
	}
	own := []*model.FlowPath{
		{PathID: "fwd", FlowID: "f1", Bandwidth: 100, Segments: []model.PathSegment{
			{SrcSwitchID: 1, SrcPort: 11, DstSwitchID: 2, DstPort: 21},
			{SrcSwitchID: 2, SrcPort: 22, DstSwitchID: 4, DstPort: 41},
		}},
		{PathID: "rev", FlowID: "f1", Bandwidth: 100, Segments: []model.PathSegment{
			{SrcSwitchID: 4, SrcPort: 41, DstSwitchID: 2, DstPort: 22},
			{SrcSwitchID: 2, SrcPort: 21, DstSwitchID: 1, DstPort: 11},
		}},
	}
	for _, p := range own {
		if err := s.FlowPaths().CreateOrUpdate(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	pc := NewBFSComputer(s, nil)
	if _, err := pc.GetPath(ctx, flow(1, 4, 100), false); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("without reuse err = %v, want ErrUnroutable", err)
	}
	pair, err := pc.GetPath(ctx, flow(1, 4, 100), true)
	if err != nil {
		t.Fatalf("with reuse: %v", err)
	}
	if !own[0].SameSegments(pair.Forward.Segments) {
		t.Fatalf("forward = %v, want current path", pair.Forward.Segments)
	}
}
