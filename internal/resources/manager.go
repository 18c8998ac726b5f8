package resources

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// Config bounds every identifier space.
type Config struct {
	CookieMin, CookieMax uint64
	MeterMin, MeterMax   int64
	VlanMin, VlanMax     int64
	VniMin, VniMax       int64
}

// ApplyDefaults fills unset ranges.
func (c Config) ApplyDefaults() Config {
	if c.CookieMin == 0 && c.CookieMax == 0 {
		c.CookieMin, c.CookieMax = 1, 0xFFFFF
	}
	if c.MeterMin == 0 && c.MeterMax == 0 {
		c.MeterMin, c.MeterMax = int64(model.MinFlowMeterID), int64(model.MaxFlowMeterID)
	}
	if c.VlanMin == 0 && c.VlanMax == 0 {
		c.VlanMin, c.VlanMax = 2, 4094
	}
	if c.VniMin == 0 && c.VniMax == 0 {
		c.VniMin, c.VniMax = 4096, 16777214
	}
	return c
}

// Manager allocates FlowResources as a unit.
type Manager struct {
	cfg     Config
	cookies *CookiePool
	vlans   *Pool
	vnis    *Pool
	log     logging.Logger

	mu          sync.Mutex
	meters      map[model.SwitchID]*Pool
	allocations map[model.PathID]model.FlowResources // keyed by forward path id
	encap       map[model.PathID]model.EncapsulationResources
}

// NewManager builds the pools described by cfg.
func NewManager(cfg Config, log logging.Logger) (*Manager, error) {
	cfg = cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	cookies, err := NewCookiePool(cfg.CookieMin, cfg.CookieMax)
	if err != nil {
		return nil, err
	}
	vlans, err := NewPool("transit_vlan", cfg.VlanMin, cfg.VlanMax)
	if err != nil {
		return nil, err
	}
	vnis, err := NewPool("vxlan_vni", cfg.VniMin, cfg.VniMax)
	if err != nil {
		return nil, err
	}
	if cfg.MeterMin > cfg.MeterMax {
		return nil, fmt.Errorf("%w: meter [%d, %d]", ErrInvalidRange, cfg.MeterMin, cfg.MeterMax)
	}
	return &Manager{
		cfg:         cfg,
		cookies:     cookies,
		vlans:       vlans,
		vnis:        vnis,
		log:         log,
		meters:      make(map[model.SwitchID]*Pool),
		allocations: make(map[model.PathID]model.FlowResources),
		encap:       make(map[model.PathID]model.EncapsulationResources),
	}, nil
}

// NewPathID returns a fresh path id for flowID.
func NewPathID(flowID string) model.PathID {
	return model.PathID(fmt.Sprintf("%s_%s", flowID, uuid.NewString()))
}

// Allocate reserves a cookie, a meter per direction (when the flow is rate
// limited) and a transit id per path (when the flow leaves its switch). A
// non-zero reuseCookie is re-acquired instead of allocating a new cookie.
// On failure nothing stays allocated.
func (m *Manager) Allocate(ctx context.Context, flow *model.Flow, reuseCookie uint64) (model.FlowResources, error) {
	if flow == nil {
		return model.FlowResources{}, fmt.Errorf("resources: flow is required")
	}

	var undo []func()
	fail := func(err error) (model.FlowResources, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		m.log.Warn(ctx, "flow resource allocation failed",
			logging.String("flow_id", flow.FlowID),
			logging.Err(err),
		)
		return model.FlowResources{}, err
	}

	var res model.FlowResources
	if reuseCookie != 0 {
		if err := m.cookies.Acquire(reuseCookie); err != nil {
			return fail(err)
		}
		res.UnmaskedCookie = reuseCookie
	} else {
		cookie, err := m.cookies.Allocate()
		if err != nil {
			return fail(err)
		}
		res.UnmaskedCookie = cookie
	}
	cookie := res.UnmaskedCookie
	undo = append(undo, func() { m.cookies.Release(cookie) })

	res.Forward.PathID = NewPathID(flow.FlowID)
	res.Reverse.PathID = NewPathID(flow.FlowID)

	if flow.Bandwidth > 0 && !flow.IgnoreBandwidth {
		for _, side := range []struct {
			dst *model.PathResources
			sw  model.SwitchID
		}{
			{&res.Forward, flow.Src.SwitchID},
			{&res.Reverse, flow.Dst.SwitchID},
		} {
			pool := m.meterPool(side.sw)
			id, err := pool.Allocate()
			if err != nil {
				return fail(fmt.Errorf("switch %s: %w", side.sw, err))
			}
			side.dst.MeterID = model.MeterID(id)
			side.dst.MeterSwitchID = side.sw
			undo = append(undo, func() { pool.Release(id) })
		}
	}

	if !flow.IsOneSwitchFlow() {
		for _, dst := range []*model.PathResources{&res.Forward, &res.Reverse} {
			enc, release, err := m.allocateEncapsulation(flow.Encapsulation)
			if err != nil {
				return fail(err)
			}
			dst.Encapsulation = &enc
			undo = append(undo, release)
		}
	}

	m.mu.Lock()
	m.allocations[res.Forward.PathID] = res
	for _, side := range []model.PathResources{res.Forward, res.Reverse} {
		if side.Encapsulation != nil {
			m.encap[side.PathID] = *side.Encapsulation
		}
	}
	m.mu.Unlock()

	m.log.Debug(ctx, "flow resources allocated",
		logging.String("flow_id", flow.FlowID),
		logging.Any("cookie", cookie),
		logging.String("forward_path", string(res.Forward.PathID)),
		logging.String("reverse_path", string(res.Reverse.PathID)),
	)
	return res, nil
}

func (m *Manager) allocateEncapsulation(t model.EncapsulationType) (model.EncapsulationResources, func(), error) {
	pool := m.vlans
	if t == model.EncapsulationVxlan {
		pool = m.vnis
	} else {
		t = model.EncapsulationTransitVlan
	}
	id, err := pool.Allocate()
	if err != nil {
		return model.EncapsulationResources{}, nil, err
	}
	return model.EncapsulationResources{Type: t, TransitID: int(id)}, func() { pool.Release(id) }, nil
}

func (m *Manager) meterPool(sw model.SwitchID) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.meters[sw]
	if !ok {
		// range was validated in NewManager
		p, _ = NewPool("meter", m.cfg.MeterMin, m.cfg.MeterMax)
		m.meters[sw] = p
	}
	return p
}

// Deallocate releases everything in res. Releasing the same resources twice
// is a no-op.
func (m *Manager) Deallocate(ctx context.Context, res model.FlowResources) {
	m.mu.Lock()
	_, ok := m.allocations[res.Forward.PathID]
	if ok {
		delete(m.allocations, res.Forward.PathID)
		delete(m.encap, res.Forward.PathID)
		delete(m.encap, res.Reverse.PathID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	for _, side := range []model.PathResources{res.Forward, res.Reverse} {
		if side.MeterID != 0 {
			m.meterPool(side.MeterSwitchID).Release(int64(side.MeterID))
		}
		if side.Encapsulation != nil {
			if side.Encapsulation.Type == model.EncapsulationVxlan {
				m.vnis.Release(int64(side.Encapsulation.TransitID))
			} else {
				m.vlans.Release(int64(side.Encapsulation.TransitID))
			}
		}
	}
	m.cookies.Release(res.UnmaskedCookie)

	m.log.Debug(ctx, "flow resources released",
		logging.Any("cookie", res.UnmaskedCookie),
		logging.String("forward_path", string(res.Forward.PathID)),
	)
}

// GetEncapsulationResources returns the transit id of type t allocated for
// pathID.
func (m *Manager) GetEncapsulationResources(pathID model.PathID, t model.EncapsulationType) (model.EncapsulationResources, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enc, ok := m.encap[pathID]
	if !ok || enc.Type != t {
		return model.EncapsulationResources{}, false
	}
	return enc, true
}

// Usage is a point-in-time count of allocated identifiers.
type Usage struct {
	Cookies     int
	TransitVlan int
	VxlanVni    int
	Meters      map[model.SwitchID]int
	Allocations int
}

// Usage snapshots pool occupancy.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	meters := make(map[model.SwitchID]int, len(m.meters))
	for sw, p := range m.meters {
		if n := p.Len(); n > 0 {
			meters[sw] = n
		}
	}
	allocations := len(m.allocations)
	m.mu.Unlock()

	return Usage{
		Cookies:     m.cookies.Len(),
		TransitVlan: m.vlans.Len(),
		VxlanVni:    m.vnis.Len(),
		Meters:      meters,
		Allocations: allocations,
	}
}

// CookieRefs exposes the reference count of an unmasked cookie.
func (m *Manager) CookieRefs(cookie uint64) int {
	return m.cookies.Refs(cookie)
}
