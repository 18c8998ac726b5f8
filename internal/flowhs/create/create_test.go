package create_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/create"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/flowhstest"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence/memory"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t     *testing.T
	env   *flowhstest.Env
	agent *speaker.SwitchAgent
	def   *fsm.Definition[*create.Operation]
}

func newHarness(t *testing.T, s *memory.Store, cfg flowhs.Config) *harness {
	t.Helper()
	def := create.Definition(nil)
	require.NoError(t, def.Validate())
	return &harness{
		t:     t,
		env:   flowhstest.NewEnv(t, s, cfg),
		agent: speaker.NewSwitchAgent(nil, 1, 2, 3, 4, 5),
		def:   def,
	}
}

func request(f *model.Flow) create.Request {
	return create.Request{
		FlowID:          f.FlowID,
		Src:             f.Src,
		Dst:             f.Dst,
		Bandwidth:       f.Bandwidth,
		IgnoreBandwidth: f.IgnoreBandwidth,
		Encapsulation:   f.Encapsulation,
	}
}

func (h *harness) start(key string, req create.Request) *create.Machine {
	h.t.Helper()
	m := create.New(h.def, h.env.Deps, key, req)
	require.NoError(h.t, m.Fire(context.Background(), fsm.EventNext, nil))
	return m
}

// deliver fires one response per command.
func (h *harness) deliver(m *create.Machine, resps []speaker.Response) {
	h.t.Helper()
	for _, r := range resps {
		if m.IsTerminated() {
			return
		}
		require.NoError(h.t, m.Fire(context.Background(), fsm.EventCommandExecuted, r))
	}
}

// run answers everything the machine sends through the agent until it stops
// sending.
func (h *harness) run(m *create.Machine) {
	h.t.Helper()
	for i := 0; i < 50 && !m.IsTerminated(); i++ {
		cmds := h.env.Carrier.Take()
		if len(cmds) == 0 {
			return
		}
		h.deliver(m, flowhstest.Succeed(cmds, h.agent))
	}
}

func (h *harness) isl(a model.SwitchID, ap int, b model.SwitchID, bp int) *model.Isl {
	h.t.Helper()
	isl, err := h.env.Store.Isls().FindByEndpoints(context.Background(),
		model.IslEndpoints{SrcSwitchID: a, SrcPort: ap, DstSwitchID: b, DstPort: bp})
	require.NoError(h.t, err)
	return isl
}

func (h *harness) lastResponse() flowhs.Response {
	h.t.Helper()
	resp, ok := h.env.Carrier.LastResponse()
	require.True(h.t, ok, "no northbound response")
	return resp
}

func TestCreateMultiSwitchFlow(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	ctx := context.Background()

	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000)))
	require.Equal(t, create.StateInstallingNonIngressRules, m.State())
	h.run(m)

	require.Equal(t, create.StateFinished, m.State())
	resp := h.lastResponse()
	require.True(t, resp.Success)
	require.Equal(t, "f1", resp.FlowID)
	require.Equal(t, string(create.StateFinished), resp.Outcome)
	require.Len(t, resp.Forward.Segments, 3)
	require.Len(t, resp.Reverse.Segments, 3)
	require.Len(t, h.env.Carrier.Responses(), 1)

	flow, err := h.env.Store.Flows().FindByID(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, model.FlowStatusUp, flow.Status)
	for _, id := range []model.PathID{flow.ForwardPathID, flow.ReversePathID} {
		p, err := h.env.Store.FlowPaths().FindByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.FlowPathStatusActive, p.Status)
		require.NoError(t, p.Validate(flow))
	}

	require.Equal(t, int64(10_000_000-1000), h.isl(1, 12, 2, 21).AvailableBandwidth)
	require.Equal(t, int64(10_000_000-1000), h.isl(2, 21, 1, 12).AvailableBandwidth)
	require.Equal(t, int64(10_000_000-1000), h.isl(3, 34, 4, 43).AvailableBandwidth)

	// ingress, transit and egress on both directions
	for _, sw := range []model.SwitchID{1, 2, 3, 4} {
		require.Len(t, h.agent.Rules(sw), 2, "switch %s", sw)
	}
	require.Equal(t, []string{
		"Flow was validated successfully",
		"Resources were allocated",
		"Flow was created successfully",
	}, h.env.History.Actions("k1"))
}

func TestCreateSecondFlowAddsToLinkUsage(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})

	h.run(h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000))))
	second := request(flowhstest.Flow("f2", 1, 3, 2500))
	second.Src.VlanID, second.Dst.VlanID = 102, 202
	m := h.start("k2", second)
	h.run(m)
	require.Equal(t, create.StateFinished, m.State())

	require.Equal(t, int64(10_000_000-3500), h.isl(1, 12, 2, 21).AvailableBandwidth)
	require.Equal(t, int64(10_000_000-3500), h.isl(3, 32, 2, 23).AvailableBandwidth)
	require.Equal(t, int64(10_000_000-1000), h.isl(3, 34, 4, 43).AvailableBandwidth)
}

func TestCreateThreeSegmentPathCommands(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 0)))

	res, ok := m.Subject().Resources()
	require.True(t, ok)
	nonIngress := h.env.Carrier.Take()
	require.Len(t, nonIngress, 6)
	require.Empty(t, flowhstest.OfType(nonIngress, speaker.TypeInstallIngress))

	for _, side := range []struct {
		cookie model.Cookie
		encap  *model.EncapsulationResources
	}{
		{res.ForwardCookie(), res.Forward.Encapsulation},
		{res.ReverseCookie(), res.Reverse.Encapsulation},
	} {
		var rules []speaker.FlowEntry
		for _, c := range nonIngress {
			if c.CommandHeader().Cookie == side.cookie {
				rules = append(rules, c.(speaker.InstallCommand).Entry())
			}
		}
		require.Len(t, rules, 3)
		require.NotNil(t, side.encap)
		for _, e := range rules {
			require.Equal(t, side.encap.TransitID, e.InVlan)
			require.Zero(t, e.MeterID)
		}
	}
	require.Len(t, flowhstest.OfType(nonIngress, speaker.TypeInstallTransit), 4)
	require.Len(t, flowhstest.OfType(nonIngress, speaker.TypeInstallEgress), 2)

	h.deliver(m, flowhstest.Succeed(nonIngress, h.agent))
	require.Equal(t, create.StateValidatingNonIngressRules, m.State())
	dumps := h.env.Carrier.Take()
	require.Len(t, flowhstest.OfType(dumps, speaker.TypeDumpRules), 4, "reverse egress sits on switch 1")
	h.deliver(m, flowhstest.Succeed(dumps, h.agent))

	require.Equal(t, create.StateInstallingIngressRules, m.State())
	ingress := h.env.Carrier.Take()
	require.Len(t, ingress, 2)
	require.Len(t, flowhstest.OfType(ingress, speaker.TypeInstallIngress), 2)
	fwd := ingress[0].(*speaker.InstallIngressRule)
	require.Equal(t, model.SwitchID(1), fwd.SwitchID)
	require.Equal(t, res.ForwardCookie(), fwd.Cookie)

	h.deliver(m, flowhstest.Succeed(ingress, h.agent))
	h.run(m)
	require.Equal(t, create.StateFinished, m.State())
}

func TestCreateOneSwitchFlow(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	m := h.start("k1", request(flowhstest.Flow("f1", 2, 2, 500)))

	require.Equal(t, create.StateInstallingIngressRules, m.State())
	cmds := h.env.Carrier.Take()
	require.Len(t, cmds, 2)
	require.Len(t, flowhstest.OfType(cmds, speaker.TypeInstallOneSwitch), 2)

	res, _ := m.Subject().Resources()
	require.Nil(t, res.Forward.Encapsulation)
	fwd := cmds[0].(*speaker.InstallOneSwitchRule)
	rev := cmds[1].(*speaker.InstallOneSwitchRule)
	require.Equal(t, res.ForwardCookie(), fwd.Cookie)
	require.Equal(t, res.ReverseCookie(), rev.Cookie)
	require.Equal(t, 1, fwd.InPort)
	require.Equal(t, 101, fwd.InVlan)
	require.Equal(t, 2, fwd.OutPort)
	require.Equal(t, 201, fwd.OutVlan)
	require.Equal(t, speaker.OutputVlanReplace, fwd.OutputVlanType)
	require.Equal(t, 2, rev.InPort)
	require.Equal(t, 201, rev.InVlan)
	require.NotZero(t, fwd.MeterID)

	h.deliver(m, flowhstest.Succeed(cmds, h.agent))
	dumps := h.env.Carrier.Take()
	require.Len(t, dumps, 1)
	h.deliver(m, flowhstest.Succeed(dumps, h.agent))

	require.Equal(t, create.StateFinished, m.State())
	require.Len(t, h.agent.Rules(2), 2)
}

func TestCreateTimeoutRemovesOnlyConfirmedRules(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	ctx := context.Background()
	before := h.env.Deps.Resources.Usage()

	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000)))
	sent := h.env.Carrier.Take()
	require.Len(t, sent, 6)

	confirmed, unanswered := sent[:4], sent[4:]
	h.deliver(m, flowhstest.Succeed(confirmed, h.agent))
	require.Equal(t, create.StateInstallingNonIngressRules, m.State())

	require.NoError(t, m.Fire(ctx, fsm.EventTimeout, flowhs.NewTimeoutError("f1", m.State())))
	require.Equal(t, create.StateRemovingRules, m.State())

	removals := h.env.Carrier.Take()
	require.Len(t, removals, len(confirmed))
	want := make(map[model.SwitchID]int)
	for _, c := range confirmed {
		want[c.CommandHeader().SwitchID]++
	}
	got := make(map[model.SwitchID]int)
	for _, c := range removals {
		rm, ok := c.(*speaker.RemoveRule)
		require.True(t, ok)
		got[rm.SwitchID]++
	}
	require.Equal(t, want, got)

	// a late answer to an abandoned install is not a removal response
	h.deliver(m, flowhstest.Succeed(unanswered[:1], nil))
	require.Equal(t, create.StateRemovingRules, m.State())

	h.deliver(m, flowhstest.Succeed(removals, h.agent))
	require.Equal(t, create.StateFinishedWithError, m.State())

	resp := h.lastResponse()
	require.False(t, resp.Success)
	require.Equal(t, flowhs.KindTimeout, resp.Error.Kind)
	require.Equal(t, "f1", resp.Error.FlowID)

	require.Equal(t, before, h.env.Deps.Resources.Usage())
	require.Equal(t, int64(10_000_000), h.isl(1, 12, 2, 21).AvailableBandwidth)
	require.Equal(t, int64(10_000_000), h.isl(4, 43, 3, 34).AvailableBandwidth)
	flow, err := h.env.Store.Flows().FindByID(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, model.FlowStatusDown, flow.Status)
	require.False(t, flow.HasPaths())
	paths, err := h.env.Store.FlowPaths().FindByFlowID(ctx, "f1")
	require.NoError(t, err)
	require.Empty(t, paths)
	require.Zero(t, h.agent.RuleCount())
}

func TestCreateInstallFailureRetriesThenRollsBack(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{CommandRetries: 1})
	before := h.env.Deps.Resources.Usage()
	h.agent.SetFault(func(_ context.Context, cmd speaker.Command) error {
		if cmd.Type() == speaker.TypeInstallTransit && cmd.CommandHeader().SwitchID == 3 {
			return speaker.ErrRuleRejected
		}
		return nil
	})

	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000)))
	var rejected []speaker.Command
	for _, c := range h.env.Carrier.Sent() {
		if c.Command.Type() == speaker.TypeInstallTransit && c.Command.CommandHeader().SwitchID == 3 {
			rejected = append(rejected, c.Command)
		}
	}
	require.Len(t, rejected, 2)
	h.run(m)

	require.Equal(t, create.StateFinishedWithError, m.State())
	for _, c := range rejected {
		require.Equal(t, 2, h.env.Carrier.SentTimes(c.CommandHeader().CommandID))
	}
	resp := h.lastResponse()
	require.Equal(t, flowhs.KindRemoteInstallFailure, resp.Error.Kind)
	require.Equal(t, "Failed to install non ingress rules", resp.Error.Message)
	require.Zero(t, h.agent.RuleCount())
	require.Equal(t, before, h.env.Deps.Resources.Usage())
	require.Zero(t, h.env.Deps.Backlog.Len())
}

func TestCreateRuleMismatchFailsValidation(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	h.agent.SetRewrite(func(e speaker.FlowEntry) speaker.FlowEntry {
		if e.SwitchID == 2 {
			e.OutPort = 99
		}
		return e
	})

	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000)))
	h.run(m)

	require.Equal(t, create.StateFinishedWithError, m.State())
	resp := h.lastResponse()
	require.Equal(t, flowhs.KindRemoteInstallFailure, resp.Error.Kind)
	require.Equal(t, "Failed to validate non ingress rules", resp.Error.Message)
	require.Empty(t, flowhstest.OfType(commandsOf(h.env.Carrier.Sent()), speaker.TypeInstallIngress))
}

func commandsOf(sent []flowhstest.Sent) []speaker.Command {
	out := make([]speaker.Command, 0, len(sent))
	for _, s := range sent {
		out = append(out, s.Command)
	}
	return out
}

func TestCreateFailedRemovalIsRecorded(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 0)))
	h.deliver(m, flowhstest.Succeed(h.env.Carrier.Take(), h.agent))
	require.NoError(t, h.agent.SetOnline(3, false))
	require.NoError(t, m.Fire(context.Background(), fsm.EventError, errors.New("boom")))

	require.Equal(t, create.StateRemovingRules, m.State())
	h.deliver(m, flowhstest.Succeed(h.env.Carrier.Take(), h.agent))

	require.Equal(t, create.StateFinishedWithError, m.State())
	backlog := h.env.Deps.Backlog.ForFlow("f1")
	require.Len(t, backlog, 2, "transit rules of both directions sit on switch 3")
	for _, r := range backlog {
		require.Equal(t, model.SwitchID(3), r.Command.CommandHeader().SwitchID)
	}
	require.Equal(t, flowhs.KindInternal, h.lastResponse().Error.Kind)
}

func TestCreateRemovalTimeoutStoresPendingRules(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	ctx := context.Background()
	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 0)))
	h.deliver(m, flowhstest.Succeed(h.env.Carrier.Take(), h.agent))
	require.Equal(t, create.StateValidatingNonIngressRules, m.State())
	h.env.Carrier.Take()

	require.NoError(t, m.Fire(ctx, fsm.EventTimeout, flowhs.NewTimeoutError("f1", m.State())))
	require.Len(t, h.env.Carrier.Take(), 6)
	require.NoError(t, m.Fire(ctx, fsm.EventTimeout, flowhs.NewTimeoutError("f1", m.State())))

	require.Equal(t, create.StateFinishedWithError, m.State())
	require.Equal(t, 6, h.env.Deps.Backlog.Len())
	require.Equal(t, flowhs.KindTimeout, h.lastResponse().Error.Kind)
}

func TestCreateReplayedResponseIsNoop(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 0)))
	cmds := h.env.Carrier.Take()
	resps := flowhstest.Succeed(cmds, h.agent)

	h.deliver(m, resps[:1])
	h.deliver(m, resps[:1])
	require.Equal(t, create.StateInstallingNonIngressRules, m.State())
	require.Empty(t, h.env.Carrier.Take())

	h.deliver(m, resps[1:])
	require.Equal(t, create.StateValidatingNonIngressRules, m.State())
	h.deliver(m, resps[:1])
	require.Equal(t, create.StateValidatingNonIngressRules, m.State())

	h.run(m)
	require.Equal(t, create.StateFinished, m.State())
	require.Len(t, h.env.Carrier.Responses(), 1)
}

func TestCreateRefusedIngressSendRollsBack(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
	h.env.Carrier.Refuse = func(cmd speaker.Command) error {
		if cmd.Type() == speaker.TypeInstallIngress {
			return errors.New("channel closed")
		}
		return nil
	}
	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000)))
	h.run(m)

	require.Equal(t, create.StateFinishedWithError, m.State())
	require.Equal(t, "Failed to install ingress rules", h.lastResponse().Error.Message)
	require.Zero(t, h.agent.RuleCount())
	require.Len(t, flowhstest.OfType(commandsOf(h.env.Carrier.Sent()), speaker.TypeRemoveRule), 6)
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	existing := request(flowhstest.Flow("taken", 1, 2, 0))
	bad := request(flowhstest.Flow("f1", 1, 4, 0))
	bad.Src.Port = 0
	loop := request(flowhstest.Flow("f1", 1, 1, 0))
	loop.Dst = loop.Src
	clash := request(flowhstest.Flow("f2", 1, 4, 0))
	reserved := request(flowhstest.Flow("f1", 1, 4, 0))
	reserved.Src.VlanID = 4095
	portWide := request(flowhstest.Flow("f3", 1, 4, 0))
	portWide.Src.VlanID = 0

	tests := []struct {
		name string
		req  create.Request
		kind flowhs.ErrorKind
	}{
		{"empty id", create.Request{Src: existing.Src, Dst: existing.Dst}, flowhs.KindValidation},
		{"bad port", bad, flowhs.KindValidation},
		{"same endpoint", loop, flowhs.KindValidation},
		{"unknown switch", request(flowhstest.Flow("f1", 1, 9, 0)), flowhs.KindNotFound},
		{"existing id", request(flowhstest.Flow("taken", 3, 4, 0)), flowhs.KindAlreadyExists},
		{"endpoint conflict", clash, flowhs.KindAlreadyExists},
		{"reserved vlan", reserved, flowhs.KindValidation},
		{"port-wide endpoint overlaps tagged", portWide, flowhs.KindAlreadyExists},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, flowhstest.Line(t), flowhs.Config{})
			h.run(h.start("seed", existing))
			h.env.Carrier.Take()
			usage := h.env.Deps.Resources.Usage()

			m := h.start("k1", tc.req)
			require.Equal(t, create.StateFinishedWithError, m.State())
			require.Empty(t, h.env.Carrier.Take())
			resp := h.lastResponse()
			require.False(t, resp.Success)
			require.Equal(t, tc.kind, resp.Error.Kind)
			require.Equal(t, usage, h.env.Deps.Resources.Usage())
		})
	}
}

func TestCreateUnroutable(t *testing.T) {
	s := flowhstest.Line(t)
	flowhstest.SetIslStatus(t, s, 2, 23, 3, 32, model.IslStatusInactive)
	h := newHarness(t, s, flowhs.Config{})

	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000)))
	require.Equal(t, create.StateFinishedWithError, m.State())
	require.Equal(t, flowhs.KindUnroutable, h.lastResponse().Error.Kind)
	exists, err := s.Flows().Exists(context.Background(), "f1")
	require.NoError(t, err)
	require.False(t, exists)
	require.Empty(t, h.env.Carrier.Take())
}

func TestCreateCommitFailureReleasesResources(t *testing.T) {
	s := flowhstest.Line(t)
	h := newHarness(t, s, flowhs.Config{})
	before := h.env.Deps.Resources.Usage()
	s.FailNextCommit(errors.New("disk full"))

	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 1000)))
	require.Equal(t, create.StateFinishedWithError, m.State())
	require.Equal(t, flowhs.KindPersistenceFailure, h.lastResponse().Error.Kind)
	require.Equal(t, before, h.env.Deps.Resources.Usage())
	flows, _, _, _ := s.Counts()
	require.Zero(t, flows)
}

func TestCreateMeterExhaustion(t *testing.T) {
	s := flowhstest.Line(t)
	mgr, err := resources.NewManager(resources.Config{MeterMin: 32, MeterMax: 32}, nil)
	require.NoError(t, err)
	env := flowhstest.NewEnvWithResources(t, s, mgr, flowhs.Config{})
	def := create.Definition(nil)

	m := create.New(def, env.Deps, "k1", request(flowhstest.Flow("f1", 1, 1, 1000)))
	require.NoError(t, m.Fire(context.Background(), fsm.EventNext, nil))

	require.Equal(t, create.StateFinishedWithError, m.State())
	resp, ok := env.Carrier.LastResponse()
	require.True(t, ok)
	require.Equal(t, flowhs.KindResourceExhausted, resp.Error.Kind)
	require.Zero(t, mgr.Usage().Cookies)
}

func TestCreateDeadlineFollowsSuspendedState(t *testing.T) {
	h := newHarness(t, flowhstest.Line(t), flowhs.Config{SpeakerTimeout: 5 * time.Second})
	m := h.start("k1", request(flowhstest.Flow("f1", 1, 4, 0)))

	deadline, ok := m.Deadline()
	require.True(t, ok)
	require.Equal(t, flowhstest.Epoch.Add(5*time.Second), deadline)

	h.env.Clock.Advance(2 * time.Second)
	h.deliver(m, flowhstest.Succeed(h.env.Carrier.Take(), h.agent))
	deadline, ok = m.Deadline()
	require.True(t, ok)
	require.Equal(t, flowhstest.Epoch.Add(7*time.Second), deadline)

	h.run(m)
	_, ok = m.Deadline()
	require.False(t, ok)
}
