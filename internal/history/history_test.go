package history

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/signalsfoundry/flow-orchestrator/model"
	"github.com/stretchr/testify/require"
)

func sampleFlow() (*model.Flow, *model.FlowPath, *model.FlowPath) {
	flow := &model.Flow{
		FlowID:        "flow-1",
		Src:           model.FlowEndpoint{SwitchID: 1, Port: 1, VlanID: 101},
		Dst:           model.FlowEndpoint{SwitchID: 2, Port: 2, VlanID: 201},
		Bandwidth:     1000,
		Encapsulation: model.EncapsulationTransitVlan,
		Status:        model.FlowStatusUp,
		ForwardPathID: "flow-1_f",
		ReversePathID: "flow-1_r",
	}
	seg := model.PathSegment{SrcSwitchID: 1, SrcPort: 11, DstSwitchID: 2, DstPort: 21}
	fwd := &model.FlowPath{PathID: "flow-1_f", FlowID: "flow-1", Cookie: model.BuildForwardCookie(5), MeterID: 32,
		Segments: []model.PathSegment{seg}}
	rev := &model.FlowPath{PathID: "flow-1_r", FlowID: "flow-1", Cookie: model.BuildReverseCookie(5),
		Segments: []model.PathSegment{{SrcSwitchID: 2, SrcPort: 21, DstSwitchID: 1, DstPort: 11}}}
	return flow, fwd, rev
}

func TestDumpFlow(t *testing.T) {
	flow, fwd, rev := sampleFlow()
	d := DumpFlow(flow, fwd, rev)
	require.Equal(t, "flow-1", d.FlowID)
	require.Equal(t, model.BuildForwardCookie(5), d.ForwardCookie)
	require.Equal(t, model.MeterID(32), d.ForwardMeter)
	require.Len(t, d.ReversePath, 1)

	fwd.Segments[0].DstPort = 99
	require.Equal(t, 21, d.ForwardPath[0].DstPort, "dump must not alias path segments")

	require.Nil(t, DumpFlow(nil, nil, nil))
	require.Nil(t, DumpFlow(flow, nil, nil).ForwardPath)
}

func TestMemorySinkQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	require.NoError(t, s.Save(ctx, Entry{TaskID: "t1", FlowID: "a", Action: "Flow creating"}))
	require.NoError(t, s.Save(ctx, Entry{TaskID: "t2", FlowID: "b", Action: "Flow creating"}))
	require.NoError(t, s.Save(ctx, Entry{TaskID: "t1", FlowID: "a", Action: "Flow created"}))

	require.Len(t, s.All(), 3)
	require.Equal(t, []string{"Flow creating", "Flow created"}, s.Actions("t1"))
	require.Len(t, s.ByFlow("b"), 1)
	require.Empty(t, s.ByTask("missing"))
}

type failingSink struct{ err error }

func (f failingSink) Save(context.Context, Entry) error { return f.err }

func TestMultiSinkTriesEverySink(t *testing.T) {
	boom := errors.New("boom")
	mem := NewMemorySink()
	m := MultiSink{failingSink{boom}, nil, mem, NewLogSink(nil)}

	err := m.Save(context.Background(), Entry{TaskID: "t", FlowID: "f", Action: "x"})
	require.ErrorIs(t, err, boom)
	require.Len(t, mem.All(), 1)
}

func TestSlug(t *testing.T) {
	require.Equal(t, "flow-was-rerouted", slug("Flow was rerouted"))
	require.Equal(t, "rules-installed", slug("  Rules installed!"))
	require.Equal(t, "", slug("!!"))
}

func setupFakeS3(t *testing.T) ObjectStoreConfig {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "flowhs-history"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return ObjectStoreConfig{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "/history/",
		AccessKey:      "test",
		SecretKey:      "test",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestObjectStoreSinkRoundTrip(t *testing.T) {
	cfg := setupFakeS3(t)
	sink, err := NewObjectStoreSink(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	flow, fwd, rev := sampleFlow()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, sink.Save(ctx, Entry{TaskID: "task-1", FlowID: flow.FlowID, Action: "Flow creating", Timestamp: base}))
	require.NoError(t, sink.Save(ctx, Entry{TaskID: "task-1", FlowID: flow.FlowID, Action: "Flow created",
		Timestamp: base.Add(time.Second), After: DumpFlow(flow, fwd, rev)}))
	require.NoError(t, sink.Save(ctx, Entry{TaskID: "task-2", FlowID: "other", Action: "Flow creating", Timestamp: base}))

	require.Equal(t, "history/flow-1/task-1/000003-done.json", sink.objectName(Entry{TaskID: "task-1", FlowID: "flow-1", Action: "done"}))

	entries, err := sink.Entries(ctx, flow.FlowID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "Flow creating", entries[0].Action)
	require.Equal(t, "Flow created", entries[1].Action)
	require.NotNil(t, entries[1].After)
	require.Equal(t, fwd.Segments, entries[1].After.ForwardPath)
	require.Equal(t, model.BuildReverseCookie(5), entries[1].After.ReverseCookie)
	require.True(t, entries[1].Timestamp.Equal(base.Add(time.Second)))
}

func TestObjectStoreSinkRequiresBucket(t *testing.T) {
	_, err := NewObjectStoreSink(ObjectStoreConfig{}, nil)
	require.Error(t, err)
}
