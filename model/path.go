package model

import (
	"fmt"
	"time"
)

// PathID identifies a flow path.
type PathID string

// FlowPathStatus describes a path row. Removed paths are deleted rows.
type FlowPathStatus string

const (
	FlowPathStatusActive     FlowPathStatus = "ACTIVE"
	FlowPathStatusInactive   FlowPathStatus = "INACTIVE"
	FlowPathStatusInProgress FlowPathStatus = "IN_PROGRESS"
)

// PathSegment is a single hop between two adjacent switches.
type PathSegment struct {
	SrcSwitchID SwitchID
	SrcPort     int
	DstSwitchID SwitchID
	DstPort     int
	Latency     time.Duration
}

func (s PathSegment) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", s.SrcSwitchID, s.SrcPort, s.DstSwitchID, s.DstPort)
}

// FlowPath is one directed realisation of a flow. The segment list is fixed
// once the path is persisted; only Status changes afterwards.
type FlowPath struct {
	PathID          PathID
	FlowID          string
	SrcSwitchID     SwitchID
	DstSwitchID     SwitchID
	Cookie          Cookie
	MeterID         MeterID
	Latency         time.Duration
	Bandwidth       int64
	IgnoreBandwidth bool
	Status          FlowPathStatus
	Segments        []PathSegment
	TimeCreate      time.Time
}

// Clone deep copies the path.
func (p *FlowPath) Clone() *FlowPath {
	if p == nil {
		return nil
	}
	c := *p
	c.Segments = append([]PathSegment(nil), p.Segments...)
	return &c
}

// IsForward reports whether the path serves the forward side of its flow.
func (p *FlowPath) IsForward() bool { return p.Cookie.IsForward() }

// IsOneSwitch reports whether the path never leaves its source switch.
func (p *FlowPath) IsOneSwitch() bool {
	return p.SrcSwitchID == p.DstSwitchID && len(p.Segments) == 0
}

// Switches returns every switch the path touches, in path order.
func (p *FlowPath) Switches() []SwitchID {
	ids := []SwitchID{p.SrcSwitchID}
	for _, seg := range p.Segments {
		ids = append(ids, seg.DstSwitchID)
	}
	if len(p.Segments) == 0 && p.DstSwitchID != p.SrcSwitchID {
		ids = append(ids, p.DstSwitchID)
	}
	return ids
}

// SameSegments compares the hop lists of two paths, ignoring latency.
func (p *FlowPath) SameSegments(segments []PathSegment) bool {
	if len(p.Segments) != len(segments) {
		return false
	}
	for i, seg := range p.Segments {
		o := segments[i]
		if seg.SrcSwitchID != o.SrcSwitchID || seg.SrcPort != o.SrcPort ||
			seg.DstSwitchID != o.DstSwitchID || seg.DstPort != o.DstPort {
			return false
		}
	}
	return true
}

// Validate checks that the cookie direction matches the side of the flow the
// path serves.
func (p *FlowPath) Validate(flow *Flow) error {
	if p.FlowID != flow.FlowID {
		return fmt.Errorf("path %s belongs to flow %s, not %s", p.PathID, p.FlowID, flow.FlowID)
	}
	switch p.PathID {
	case flow.ForwardPathID, flow.ProtectedForwardPathID:
		if !p.Cookie.IsForward() {
			return fmt.Errorf("forward path %s carries %s cookie", p.PathID, p.Cookie.Direction())
		}
	case flow.ReversePathID, flow.ProtectedReversePathID:
		if !p.Cookie.IsReverse() {
			return fmt.Errorf("reverse path %s carries %s cookie", p.PathID, p.Cookie.Direction())
		}
	}
	return nil
}
