package model

import "fmt"

// Cookie tags every rule installed for a flow. The high bits carry the
// direction of the path the rule belongs to; the low 32 bits carry the
// unmasked flow cookie shared by both directions.
type Cookie uint64

const (
	DefaultRuleFlag Cookie = 0x8000000000000000
	ForwardFlowMask Cookie = 0x4000000000000000
	ReverseFlowMask Cookie = 0x2000000000000000
	ValueMask       Cookie = 0x00000000FFFFFFFF
)

// Direction of a flow path relative to the flow's declared endpoints.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
	DirectionUnknown Direction = "unknown"
)

// BuildForwardCookie returns the forward path cookie for an unmasked value.
func BuildForwardCookie(unmasked uint64) Cookie {
	return (Cookie(unmasked) & ValueMask) | ForwardFlowMask
}

// BuildReverseCookie returns the reverse path cookie for an unmasked value.
func BuildReverseCookie(unmasked uint64) Cookie {
	return (Cookie(unmasked) & ValueMask) | ReverseFlowMask
}

// Unmasked strips the direction bits.
func (c Cookie) Unmasked() uint64 {
	return uint64(c & ValueMask)
}

func (c Cookie) IsForward() bool { return c&ForwardFlowMask != 0 && c&ReverseFlowMask == 0 }
func (c Cookie) IsReverse() bool { return c&ReverseFlowMask != 0 && c&ForwardFlowMask == 0 }

// Direction decodes the direction bits.
func (c Cookie) Direction() Direction {
	switch {
	case c.IsForward():
		return DirectionForward
	case c.IsReverse():
		return DirectionReverse
	default:
		return DirectionUnknown
	}
}

func (c Cookie) String() string {
	return fmt.Sprintf("0x%016X", uint64(c))
}

// MeterID identifies a rate limiting meter on a switch. Zero means no meter.
type MeterID uint32

// MinFlowMeterID is the first meter id available to flows; lower ids are
// reserved for the switch default meters.
const (
	MinFlowMeterID MeterID = 32
	MaxFlowMeterID MeterID = 2500
)
