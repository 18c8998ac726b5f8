package resources

import (
	"context"
	"strings"
	"testing"

	"github.com/signalsfoundry/flow-orchestrator/model"
	"github.com/stretchr/testify/require"
)

func testFlow(id string, src, dst model.SwitchID, bw int64) *model.Flow {
	return &model.Flow{
		FlowID:        id,
		Src:           model.FlowEndpoint{SwitchID: src, Port: 1, VlanID: 100},
		Dst:           model.FlowEndpoint{SwitchID: dst, Port: 2, VlanID: 200},
		Bandwidth:     bw,
		Encapsulation: model.EncapsulationTransitVlan,
	}
}

func TestManagerAllocateMultiSwitchFlow(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	res, err := m.Allocate(ctx, testFlow("f1", 1, 4, 1000), 0)
	require.NoError(t, err)

	require.NotZero(t, res.UnmaskedCookie)
	require.True(t, strings.HasPrefix(string(res.Forward.PathID), "f1_"))
	require.True(t, strings.HasPrefix(string(res.Reverse.PathID), "f1_"))
	require.NotEqual(t, res.Forward.PathID, res.Reverse.PathID)

	require.Equal(t, model.MeterID(32), res.Forward.MeterID)
	require.Equal(t, model.SwitchID(1), res.Forward.MeterSwitchID)
	require.Equal(t, model.MeterID(32), res.Reverse.MeterID)
	require.Equal(t, model.SwitchID(4), res.Reverse.MeterSwitchID)

	require.NotNil(t, res.Forward.Encapsulation)
	require.NotNil(t, res.Reverse.Encapsulation)
	require.NotEqual(t, res.Forward.Encapsulation.TransitID, res.Reverse.Encapsulation.TransitID)

	enc, ok := m.GetEncapsulationResources(res.Forward.PathID, model.EncapsulationTransitVlan)
	require.True(t, ok)
	require.Equal(t, *res.Forward.Encapsulation, enc)
	_, ok = m.GetEncapsulationResources(res.Forward.PathID, model.EncapsulationVxlan)
	require.False(t, ok)
}

func TestManagerOneSwitchFlowSkipsEncapsulation(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	res, err := m.Allocate(ctx, testFlow("f1", 1, 1, 0), 0)
	require.NoError(t, err)
	require.Nil(t, res.Forward.Encapsulation)
	require.Nil(t, res.Reverse.Encapsulation)
	require.Zero(t, res.Forward.MeterID)
	require.Zero(t, res.Reverse.MeterID)
}

func TestManagerIgnoreBandwidthSkipsMeters(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	f := testFlow("f1", 1, 2, 500)
	f.IgnoreBandwidth = true
	res, err := m.Allocate(ctx, f, 0)
	require.NoError(t, err)
	require.Zero(t, res.Forward.MeterID)
	require.Zero(t, res.Reverse.MeterID)
}

func TestManagerVxlanUsesVniPool(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	f := testFlow("f1", 1, 2, 0)
	f.Encapsulation = model.EncapsulationVxlan
	res, err := m.Allocate(ctx, f, 0)
	require.NoError(t, err)
	require.Equal(t, model.EncapsulationVxlan, res.Forward.Encapsulation.Type)
	require.GreaterOrEqual(t, res.Forward.Encapsulation.TransitID, 4096)
	require.Equal(t, 2, m.Usage().VxlanVni)
	require.Equal(t, 0, m.Usage().TransitVlan)
}

func TestManagerPartialFailureReleasesEverything(t *testing.T) {
	ctx := context.Background()
	// Three vlans: the first flow takes two, the second runs out on its
	// reverse path after taking cookie, meters and one vlan.
	m, err := NewManager(Config{VlanMin: 2, VlanMax: 4}, nil)
	require.NoError(t, err)

	_, err = m.Allocate(ctx, testFlow("f1", 1, 2, 100), 0)
	require.NoError(t, err)
	before := m.Usage()

	_, err = m.Allocate(ctx, testFlow("f2", 1, 2, 100), 0)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.Contains(t, err.Error(), "transit_vlan")

	require.Equal(t, before, m.Usage())
}

func TestManagerMeterExhaustionIsPerSwitch(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{MeterMin: 32, MeterMax: 32}, nil)
	require.NoError(t, err)

	_, err = m.Allocate(ctx, testFlow("f1", 1, 2, 100), 0)
	require.NoError(t, err)

	_, err = m.Allocate(ctx, testFlow("f2", 1, 3, 100), 0)
	require.ErrorIs(t, err, ErrResourceExhausted)

	// Different switches have their own meter space.
	_, err = m.Allocate(ctx, testFlow("f3", 5, 6, 100), 0)
	require.NoError(t, err)
}

func TestManagerReuseCookieSurvivesOldRelease(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	f := testFlow("f1", 1, 2, 100)
	old, err := m.Allocate(ctx, f, 0)
	require.NoError(t, err)

	fresh, err := m.Allocate(ctx, f, old.UnmaskedCookie)
	require.NoError(t, err)
	require.Equal(t, old.UnmaskedCookie, fresh.UnmaskedCookie)
	require.Equal(t, 2, m.CookieRefs(old.UnmaskedCookie))
	require.NotEqual(t, old.Forward.PathID, fresh.Forward.PathID)

	m.Deallocate(ctx, old)
	require.Equal(t, 1, m.CookieRefs(fresh.UnmaskedCookie))
	require.Equal(t, 1, m.Usage().Cookies)

	m.Deallocate(ctx, fresh)
	require.Equal(t, 0, m.Usage().Cookies)
}

func TestManagerDeallocateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	res, err := m.Allocate(ctx, testFlow("f1", 1, 2, 100), 0)
	require.NoError(t, err)

	m.Deallocate(ctx, res)
	m.Deallocate(ctx, res)

	u := m.Usage()
	require.Zero(t, u.Cookies)
	require.Zero(t, u.TransitVlan)
	require.Empty(t, u.Meters)
	require.Zero(t, u.Allocations)
	_, ok := m.GetEncapsulationResources(res.Forward.PathID, model.EncapsulationTransitVlan)
	require.False(t, ok)
}
