package speaker

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/flow-orchestrator/model"
)

// FlowEntry is a rule as a switch holds it.
type FlowEntry struct {
	SwitchID       model.SwitchID `json:"switch_id"`
	Cookie         model.Cookie   `json:"cookie"`
	InPort         int            `json:"in_port"`
	InVlan         int            `json:"in_vlan,omitempty"`
	TunnelID       int            `json:"tunnel_id,omitempty"`
	OutPort        int            `json:"out_port"`
	OutputVlanType OutputVlanType `json:"output_vlan_type,omitempty"`
	OutVlan        int            `json:"out_vlan,omitempty"`
	// PushEncapsulation is the transit id pushed on egress from the rule.
	PushEncapsulation Encapsulation `json:"push_encapsulation,omitzero"`
	MeterID           model.MeterID `json:"meter_id,omitempty"`
}

// RuleKey is the match part of a rule. A switch holds at most one rule per
// key.
type RuleKey struct {
	Cookie   model.Cookie
	InPort   int
	InVlan   int
	TunnelID int
}

// Key returns the match of e.
func (e FlowEntry) Key() RuleKey {
	return RuleKey{Cookie: e.Cookie, InPort: e.InPort, InVlan: e.InVlan, TunnelID: e.TunnelID}
}

func (e FlowEntry) String() string {
	return fmt.Sprintf("%s cookie=%s in=%d/%d tun=%d out=%d", e.SwitchID, e.Cookie, e.InPort, e.InVlan, e.TunnelID, e.OutPort)
}

// matchOf splits an encapsulation into the vlan or tunnel match fields.
func matchOf(enc Encapsulation) (vlan, tunnel int) {
	if enc.Type == model.EncapsulationVxlan {
		return 0, enc.ID
	}
	return enc.ID, 0
}

func (c *InstallIngressRule) Entry() FlowEntry {
	return FlowEntry{
		SwitchID:          c.SwitchID,
		Cookie:            c.Cookie,
		InPort:            c.InPort,
		InVlan:            c.InVlan,
		OutPort:           c.OutPort,
		OutputVlanType:    c.OutputVlanType,
		PushEncapsulation: c.Encapsulation,
		MeterID:           c.MeterID,
	}
}

func (c *InstallTransitRule) Entry() FlowEntry {
	vlan, tunnel := matchOf(c.Encapsulation)
	return FlowEntry{
		SwitchID: c.SwitchID,
		Cookie:   c.Cookie,
		InPort:   c.InPort,
		InVlan:   vlan,
		TunnelID: tunnel,
		OutPort:  c.OutPort,
	}
}

func (c *InstallEgressRule) Entry() FlowEntry {
	e := c.InstallTransitRule.Entry()
	e.OutputVlanType = c.OutputVlanType
	e.OutVlan = c.OutVlan
	return e
}

func (c *InstallOneSwitchRule) Entry() FlowEntry {
	return FlowEntry{
		SwitchID:       c.SwitchID,
		Cookie:         c.Cookie,
		InPort:         c.InPort,
		InVlan:         c.InVlan,
		OutPort:        c.OutPort,
		OutputVlanType: c.OutputVlanType,
		OutVlan:        c.OutVlan,
		MeterID:        c.MeterID,
	}
}

// Matches reports whether a rule falls under the delete criteria.
func (d DeleteCriteria) Matches(e FlowEntry) bool {
	if e.Cookie != d.Cookie {
		return false
	}
	if d.InPort != 0 && e.InPort != d.InPort {
		return false
	}
	if d.InVlan != 0 && e.InVlan != d.InVlan {
		return false
	}
	if d.TunnelID != 0 && e.TunnelID != d.TunnelID {
		return false
	}
	if d.OutPort != nil && e.OutPort != *d.OutPort {
		return false
	}
	return true
}

// Mismatch describes an expected rule the switch does not hold as requested.
type Mismatch struct {
	Expected FlowEntry
	// Actual is the rule found under the same match, nil when missing.
	Actual *FlowEntry
}

func (m Mismatch) String() string {
	if m.Actual == nil {
		return fmt.Sprintf("missing rule %s", m.Expected)
	}
	return fmt.Sprintf("rule %s differs: got %+v, want %+v", m.Expected.Key().String(), *m.Actual, m.Expected)
}

func (k RuleKey) String() string {
	return fmt.Sprintf("cookie=%s in=%d/%d tun=%d", k.Cookie, k.InPort, k.InVlan, k.TunnelID)
}

// MatchEntries compares the expected rules of one switch against a dump of
// that switch. Rules in the dump with no expectation are ignored.
func MatchEntries(expected, dumped []FlowEntry) []Mismatch {
	byKey := make(map[RuleKey]FlowEntry, len(dumped))
	for _, e := range dumped {
		byKey[e.Key()] = e
	}
	var out []Mismatch
	for _, want := range expected {
		got, ok := byKey[want.Key()]
		switch {
		case !ok:
			out = append(out, Mismatch{Expected: want})
		case got != want:
			out = append(out, Mismatch{Expected: want, Actual: &got})
		}
	}
	return out
}

// SortEntries orders entries by switch then match, for stable output.
func SortEntries(entries []FlowEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.SwitchID != b.SwitchID {
			return a.SwitchID < b.SwitchID
		}
		if a.Cookie != b.Cookie {
			return a.Cookie < b.Cookie
		}
		if a.InPort != b.InPort {
			return a.InPort < b.InPort
		}
		if a.InVlan != b.InVlan {
			return a.InVlan < b.InVlan
		}
		return a.TunnelID < b.TunnelID
	})
}
