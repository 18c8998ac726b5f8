package model

import (
	"fmt"
	"time"
)

// IslStatus is the discovery state of an inter-switch link.
type IslStatus string

const (
	IslStatusActive   IslStatus = "ACTIVE"
	IslStatusInactive IslStatus = "INACTIVE"
)

// IslEndpoints identifies a directed link.
type IslEndpoints struct {
	SrcSwitchID SwitchID
	SrcPort     int
	DstSwitchID SwitchID
	DstPort     int
}

func (e IslEndpoints) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", e.SrcSwitchID, e.SrcPort, e.DstSwitchID, e.DstPort)
}

// Reverse returns the endpoints of the opposite direction.
func (e IslEndpoints) Reverse() IslEndpoints {
	return IslEndpoints{
		SrcSwitchID: e.DstSwitchID,
		SrcPort:     e.DstPort,
		DstSwitchID: e.SrcSwitchID,
		DstPort:     e.SrcPort,
	}
}

// EndpointsOf returns the link endpoints a segment traverses.
func EndpointsOf(seg PathSegment) IslEndpoints {
	return IslEndpoints{
		SrcSwitchID: seg.SrcSwitchID,
		SrcPort:     seg.SrcPort,
		DstSwitchID: seg.DstSwitchID,
		DstPort:     seg.DstPort,
	}
}

// Isl is a directed inter-switch link. AvailableBandwidth is always derived:
// MaxBandwidth minus the bandwidth of every path segment crossing the link.
type Isl struct {
	IslEndpoints
	Latency            time.Duration
	Cost               int
	MaxBandwidth       int64
	AvailableBandwidth int64
	Status             IslStatus
}

// Clone returns a copy of the link.
func (i *Isl) Clone() *Isl {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
