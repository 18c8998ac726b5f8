package model

import (
	"fmt"
	"time"
)

// FlowStatus describes the lifecycle stage of a flow.
type FlowStatus string

const (
	FlowStatusInProgress FlowStatus = "IN_PROGRESS"
	FlowStatusUp         FlowStatus = "UP"
	FlowStatusDown       FlowStatus = "DOWN"
)

// EncapsulationType selects how a flow is carried across transit switches.
type EncapsulationType string

const (
	EncapsulationTransitVlan EncapsulationType = "TRANSIT_VLAN"
	EncapsulationVxlan       EncapsulationType = "VXLAN"
)

// ParseEncapsulationType maps configuration strings onto EncapsulationType,
// defaulting to transit VLAN.
func ParseEncapsulationType(s string) (EncapsulationType, error) {
	switch s {
	case "", "transit_vlan", "TRANSIT_VLAN", "vlan":
		return EncapsulationTransitVlan, nil
	case "vxlan", "VXLAN":
		return EncapsulationVxlan, nil
	default:
		return "", fmt.Errorf("unknown encapsulation type %q", s)
	}
}

// FlowEndpoint is one end of a flow: a customer port on a switch plus the
// VLAN tag customer traffic carries there (0 for untagged).
type FlowEndpoint struct {
	SwitchID SwitchID
	Port     int
	VlanID   int
}

func (e FlowEndpoint) String() string {
	return fmt.Sprintf("%s:%d:%d", e.SwitchID, e.Port, e.VlanID)
}

// Flow is a provisioned virtual connection realised by a forward and a
// reverse path.
type Flow struct {
	FlowID          string
	Src             FlowEndpoint
	Dst             FlowEndpoint
	Bandwidth       int64 // kbps
	IgnoreBandwidth bool
	Encapsulation   EncapsulationType
	Description     string
	Status          FlowStatus

	ForwardPathID PathID
	ReversePathID PathID

	// Protected paths are carried through reroutes untouched.
	ProtectedForwardPathID PathID
	ProtectedReversePathID PathID

	TimeCreate time.Time
	TimeModify time.Time
}

// IsOneSwitchFlow reports whether both endpoints sit on the same switch.
func (f *Flow) IsOneSwitchFlow() bool {
	return f.Src.SwitchID == f.Dst.SwitchID
}

// IsActive reports whether the flow is currently carrying traffic.
func (f *Flow) IsActive() bool {
	return f.Status == FlowStatusUp
}

// HasPaths reports whether both primary path pointers are set.
func (f *Flow) HasPaths() bool {
	return f.ForwardPathID != "" && f.ReversePathID != ""
}

// Clone returns a shallow copy; Flow holds no reference fields.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
