package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SwitchID is the datapath id of a programmable switch. Its text form is the
// colon separated hex notation used by OpenFlow tooling.
type SwitchID uint64

// ParseSwitchID accepts "00:00:00:00:00:00:00:01", "0x1" or a plain decimal.
func ParseSwitchID(s string) (SwitchID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty switch id")
	}
	if strings.Contains(s, ":") {
		raw := strings.ReplaceAll(s, ":", "")
		if len(raw) > 16 {
			return 0, fmt.Errorf("switch id %q is longer than 8 octets", s)
		}
		v, err := strconv.ParseUint(raw, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse switch id %q: %w", s, err)
		}
		return SwitchID(v), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse switch id %q: %w", s, err)
	}
	return SwitchID(v), nil
}

func (id SwitchID) String() string {
	raw := fmt.Sprintf("%016x", uint64(id))
	var b strings.Builder
	b.Grow(23)
	for i := 0; i < len(raw); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(raw[i : i+2])
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (id SwitchID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SwitchID) UnmarshalText(text []byte) error {
	parsed, err := ParseSwitchID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SwitchStatus is the operational state of a switch as known to the controller.
type SwitchStatus string

const (
	SwitchStatusActive   SwitchStatus = "ACTIVE"
	SwitchStatusInactive SwitchStatus = "INACTIVE"
)

// Switch is a programmable forwarding element.
type Switch struct {
	SwitchID    SwitchID
	Status      SwitchStatus
	Description string
}

// IsActive reports whether rules can be installed on the switch.
func (s *Switch) IsActive() bool {
	return s != nil && s.Status == SwitchStatusActive
}

// SortSwitchIDs sorts ids ascending in place and drops duplicates.
func SortSwitchIDs(ids []SwitchID) []SwitchID {
	if len(ids) < 2 {
		return ids
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
