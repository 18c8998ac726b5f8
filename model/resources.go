package model

// EncapsulationResources is the transit identifier allocated to a path.
type EncapsulationResources struct {
	Type EncapsulationType
	// TransitID is the transit VLAN or the VXLAN VNI depending on Type.
	TransitID int
}

// PathResources is the set of identifiers allocated for one direction.
type PathResources struct {
	PathID        PathID
	MeterID       MeterID
	MeterSwitchID SwitchID
	Encapsulation *EncapsulationResources
}

// FlowResources is everything allocated for a forward/reverse path pair. It
// is allocated and released as a unit.
type FlowResources struct {
	UnmaskedCookie uint64
	Forward        PathResources
	Reverse        PathResources
}

// ForwardCookie returns the cookie forward path rules carry.
func (r FlowResources) ForwardCookie() Cookie { return BuildForwardCookie(r.UnmaskedCookie) }

// ReverseCookie returns the cookie reverse path rules carry.
func (r FlowResources) ReverseCookie() Cookie { return BuildReverseCookie(r.UnmaskedCookie) }

// ByPathID returns the direction resources for the given path.
func (r FlowResources) ByPathID(id PathID) (PathResources, bool) {
	switch id {
	case r.Forward.PathID:
		return r.Forward, true
	case r.Reverse.PathID:
		return r.Reverse, true
	}
	return PathResources{}, false
}
