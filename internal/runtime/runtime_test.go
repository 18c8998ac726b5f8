package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/create"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/flowhstest"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence/memory"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
	"github.com/signalsfoundry/flow-orchestrator/internal/scheduler"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
	"github.com/signalsfoundry/flow-orchestrator/timectrl"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func startSpeaker(t *testing.T, agent *speaker.SwitchAgent) *speaker.Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := speaker.NewGRPCServer(grpc.ChainUnaryInterceptor(speaker.CorrelationUnaryServerInterceptor(nil)))
	speaker.NewServer(agent, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := speaker.Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return speaker.NewClient(conn, nil, 5*time.Second)
}

func newRuntime(t *testing.T, store *memory.Store, exec Executor, deps Deps) *Runtime {
	t.Helper()
	mgr, err := resources.NewManager(resources.Config{}, nil)
	require.NoError(t, err)
	deps.Store, deps.Resources, deps.Speaker = store, mgr, exec
	rt, err := New(Config{TimeoutPoll: 10 * time.Millisecond}, deps)
	require.NoError(t, err)
	t.Cleanup(rt.Stop)
	return rt
}

func await(t *testing.T, rt *Runtime, key string) flowhs.Response {
	t.Helper()
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	for {
		select {
		case resp := <-rt.Responses():
			if resp.Key == key {
				return resp
			}
		case <-timer.C:
			t.Fatalf("no response for %s", key)
		}
	}
}

func request(id string) create.Request {
	f := flowhstest.Flow(id, 1, 4, 1000)
	return create.Request{FlowID: f.FlowID, Src: f.Src, Dst: f.Dst, Bandwidth: f.Bandwidth}
}

func TestCreateAndRerouteOverGRPC(t *testing.T) {
	agent := speaker.NewSwitchAgent(nil, 1, 2, 3, 4, 5)
	store := flowhstest.Diamond(t)
	rt := newRuntime(t, store, startSpeaker(t, agent), Deps{})
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))

	key, err := rt.CreateFlow(ctx, "", request("f1"))
	require.NoError(t, err)
	require.NotEmpty(t, key)
	resp := await(t, rt, key)
	require.True(t, resp.Success, "%+v", resp.Error)
	require.Equal(t, string(create.StateFinished), resp.Outcome)
	require.Equal(t, 6, agent.RuleCount())

	flowhstest.SetIslStatus(t, store, 2, 24, 4, 42, model.IslStatusInactive)
	key, err = rt.RerouteFlow(ctx, "reroute-1", "f1", false)
	require.NoError(t, err)
	require.Equal(t, "reroute-1", key)
	resp = await(t, rt, key)
	require.True(t, resp.Success, "%+v", resp.Error)
	require.True(t, resp.PathChanged)
	require.Len(t, resp.Forward.Segments, 3)
	require.Empty(t, agent.Rules(2))

	require.Eventually(t, func() bool { return rt.Registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, rt.Backlog.Len())
}

// silent never answers until the call is cancelled.
type silent struct{}

func (silent) Execute(ctx context.Context, _ string, cmd speaker.Command) speaker.Response {
	<-ctx.Done()
	return speaker.FailureFor(cmd, speaker.ErrorTransport, ctx.Err().Error())
}

func TestTimeoutWithoutSpeakerAnswers(t *testing.T) {
	clock := timectrl.NewManualClock(flowhstest.Epoch)
	events := scheduler.NewFakeEventScheduler(flowhstest.Epoch)
	rt := newRuntime(t, flowhstest.Line(t), silent{}, Deps{Clock: clock, Events: events})
	ctx := context.Background()

	key, err := rt.CreateFlow(ctx, "k1", request("f1"))
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, rt.Registry.Keys())

	clock.Advance(30 * time.Second)
	events.AdvanceTo(clock.Now())

	resp := await(t, rt, key)
	require.False(t, resp.Success)
	require.Equal(t, flowhs.KindTimeout, resp.Error.Kind)
	require.Zero(t, rt.Registry.Len())
	require.Zero(t, events.Pending())
}

func TestStoppedRuntimeRejectsRequests(t *testing.T) {
	rt := newRuntime(t, flowhstest.Line(t), silent{}, Deps{})
	rt.Stop()
	_, err := rt.CreateFlow(context.Background(), "", request("f1"))
	require.ErrorIs(t, err, ErrStopped)
	_, err = rt.RerouteFlow(context.Background(), "", "f1", true)
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, rt.Start(context.Background()), ErrStopped)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "store is required")
	require.Contains(t, err.Error(), "speaker is required")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.ApplyDefaults()
	require.Equal(t, 100*time.Millisecond, cfg.TimeoutPoll)
	require.Equal(t, time.Minute, cfg.BacklogReport)
	require.Equal(t, 1024, cfg.ResponseBuffer)
	require.Equal(t, 30*time.Second, cfg.Orchestrator.SpeakerTimeout)
}
