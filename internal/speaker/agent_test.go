package speaker

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/flow-orchestrator/model"
)

func TestAgentInstallDumpRemove(t *testing.T) {
	ctx := context.Background()
	f := NewFlowCommandFactory()
	flow, fwd, _ := threeHopFlow()
	encap := &model.EncapsulationResources{Type: model.EncapsulationTransitVlan, TransitID: 301}
	a := NewSwitchAgent(nil, 1, 2, 3, 4)

	installs, err := f.CreateInstallNonIngressRules(flow, fwd, encap)
	if err != nil {
		t.Fatal(err)
	}
	for _, cmd := range installs {
		resp, err := a.Handle(ctx, cmd)
		if err != nil {
			t.Fatalf("install %s: %v", cmd.Type(), err)
		}
		if !resp.Success || resp.CommandID != cmd.CommandHeader().CommandID {
			t.Fatalf("response = %+v", resp)
		}
	}
	if got := a.RuleCount(); got != 3 {
		t.Fatalf("rule count = %d, want 3", got)
	}

	dumps := f.CreateDumpRules(flow.FlowID, []model.SwitchID{4})
	resp, err := a.Handle(ctx, dumps[0])
	if err != nil {
		t.Fatal(err)
	}
	expected := []FlowEntry{installs[2].Entry()}
	if mm := MatchEntries(expected, resp.Entries); len(mm) != 0 {
		t.Fatalf("dump mismatches: %v", mm)
	}

	for _, cmd := range installs {
		if _, err := a.Handle(ctx, f.CreateRemoveRule(cmd)); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	if got := a.RuleCount(); got != 0 {
		t.Fatalf("rule count after remove = %d", got)
	}

	// Removing again succeeds; nothing matches.
	resp, err = a.Handle(ctx, f.CreateRemoveRule(installs[0]))
	if err != nil || !resp.Success {
		t.Fatalf("repeated remove = %+v, %v", resp, err)
	}
}

func TestAgentMeterLifecycle(t *testing.T) {
	ctx := context.Background()
	a := NewSwitchAgent(nil, 1)
	rule := &InstallOneSwitchRule{
		Header:  Header{FlowID: "a", SwitchID: 1, Cookie: model.BuildForwardCookie(1)},
		InPort:  1,
		OutPort: 2,
		MeterID: 33,
	}
	if _, err := a.Handle(ctx, rule); err != nil {
		t.Fatal(err)
	}

	other := &InstallOneSwitchRule{
		Header:  Header{FlowID: "b", SwitchID: 1, Cookie: model.BuildForwardCookie(2)},
		InPort:  3,
		OutPort: 4,
		MeterID: 33,
	}
	if _, err := a.Handle(ctx, other); !errors.Is(err, ErrMeterConflict) {
		t.Fatalf("err = %v, want ErrMeterConflict", err)
	}

	f := NewFlowCommandFactory()
	if _, err := a.Handle(ctx, f.CreateRemoveRule(rule)); err != nil {
		t.Fatal(err)
	}
	if got := a.Meters(1); len(got) != 0 {
		t.Fatalf("meters after remove = %v", got)
	}
	if _, err := a.Handle(ctx, other); err != nil {
		t.Fatalf("install after meter freed: %v", err)
	}
	if _, err := a.Handle(ctx, f.CreateRemoveMeter(&model.Flow{FlowID: "b"}, 1, other.Cookie, 33)); err != nil {
		t.Fatal(err)
	}
	if got := a.Meters(1); len(got) != 0 {
		t.Fatalf("meters after RemoveMeter = %v", got)
	}
}

func TestAgentUnavailableSwitches(t *testing.T) {
	ctx := context.Background()
	a := NewSwitchAgent(nil, 1)
	cmd := &DumpRules{Header: Header{SwitchID: 2}}
	if _, err := a.Handle(ctx, cmd); !errors.Is(err, ErrSwitchNotFound) {
		t.Fatalf("err = %v, want ErrSwitchNotFound", err)
	}
	if err := a.SetOnline(1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Handle(ctx, &DumpRules{Header: Header{SwitchID: 1}}); !errors.Is(err, ErrSwitchOffline) {
		t.Fatalf("err = %v, want ErrSwitchOffline", err)
	}
}

func TestAgentFaultAndRewrite(t *testing.T) {
	ctx := context.Background()
	a := NewSwitchAgent(nil, 1)
	boom := errors.New("boom")
	a.SetFault(func(_ context.Context, cmd Command) error {
		if cmd.Type() == TypeInstallOneSwitch {
			return boom
		}
		return nil
	})
	rule := &InstallOneSwitchRule{Header: Header{SwitchID: 1, Cookie: model.BuildForwardCookie(1)}, InPort: 1, OutPort: 2}
	if _, err := a.Handle(ctx, rule); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	a.SetFault(nil)

	a.SetRewrite(func(e FlowEntry) FlowEntry {
		e.OutPort = 9
		return e
	})
	var seen int
	a.OnRulesChanged(func(_ model.SwitchID, rules int) { seen = rules })
	if _, err := a.Handle(ctx, rule); err != nil {
		t.Fatal(err)
	}
	if seen != 1 {
		t.Fatalf("observer saw %d rules", seen)
	}
	if mm := MatchEntries([]FlowEntry{rule.Entry()}, a.Rules(1)); len(mm) != 1 {
		t.Fatalf("rewritten rule not reported: %v", mm)
	}
}
