// Package speaker holds the southbound command set, the factory that derives
// commands from a flow path, the gRPC transport that carries them and a
// simulated switch agent that executes them.
package speaker

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// CommandType names a command on the wire.
type CommandType string

const (
	TypeInstallIngress   CommandType = "install_ingress"
	TypeInstallTransit   CommandType = "install_transit"
	TypeInstallEgress    CommandType = "install_egress"
	TypeInstallOneSwitch CommandType = "install_one_switch"
	TypeRemoveRule       CommandType = "remove_rule"
	TypeRemoveMeter      CommandType = "remove_meter"
	TypeDumpRules        CommandType = "dump_rules"
)

// OutputVlanType is the vlan action applied before a packet leaves a rule.
type OutputVlanType string

const (
	OutputVlanNone    OutputVlanType = "NONE"
	OutputVlanPush    OutputVlanType = "PUSH"
	OutputVlanPop     OutputVlanType = "POP"
	OutputVlanReplace OutputVlanType = "REPLACE"
)

// ComputeOutputVlanType returns the action that rewrites inVlan into outVlan.
// Zero means untagged.
func ComputeOutputVlanType(inVlan, outVlan int) OutputVlanType {
	switch {
	case inVlan == 0 && outVlan == 0:
		return OutputVlanNone
	case inVlan == 0:
		return OutputVlanPush
	case outVlan == 0:
		return OutputVlanPop
	case inVlan == outVlan:
		return OutputVlanNone
	default:
		return OutputVlanReplace
	}
}

// Header is common to every command. CommandID correlates the response.
type Header struct {
	CommandID uuid.UUID      `json:"command_id"`
	FlowID    string         `json:"flow_id"`
	SwitchID  model.SwitchID `json:"switch_id"`
	Cookie    model.Cookie   `json:"cookie"`
}

// Command is anything that can be sent to a switch.
type Command interface {
	CommandHeader() Header
	Type() CommandType
}

// InstallCommand is a command that creates a rule.
type InstallCommand interface {
	Command
	// Entry is the rule the switch is expected to hold once the command
	// succeeds.
	Entry() FlowEntry
}

func (h Header) CommandHeader() Header { return h }

func (h Header) String() string {
	return fmt.Sprintf("%s flow=%s switch=%s cookie=%s", h.CommandID, h.FlowID, h.SwitchID, h.Cookie)
}

// Encapsulation is the transit identifier a rule matches on or pushes.
type Encapsulation struct {
	Type model.EncapsulationType `json:"type"`
	ID   int                     `json:"id"`
}

func encapsulationOf(r *model.EncapsulationResources) Encapsulation {
	if r == nil {
		return Encapsulation{}
	}
	return Encapsulation{Type: r.Type, ID: r.TransitID}
}

// InstallIngressRule tags customer traffic with the transit encapsulation,
// applying the flow meter on the way in.
type InstallIngressRule struct {
	Header
	InPort         int            `json:"in_port"`
	InVlan         int            `json:"in_vlan"`
	OutPort        int            `json:"out_port"`
	OutputVlanType OutputVlanType `json:"output_vlan_type"`
	Encapsulation  Encapsulation  `json:"encapsulation"`
	MeterID        model.MeterID  `json:"meter_id,omitempty"`
	Bandwidth      int64          `json:"bandwidth,omitempty"`
}

// InstallTransitRule forwards encapsulated traffic between two ISLs.
type InstallTransitRule struct {
	Header
	InPort        int           `json:"in_port"`
	OutPort       int           `json:"out_port"`
	Encapsulation Encapsulation `json:"encapsulation"`
}

// InstallEgressRule strips the transit encapsulation and hands the packet to
// the destination endpoint.
type InstallEgressRule struct {
	InstallTransitRule
	OutputVlanType OutputVlanType `json:"output_vlan_type"`
	OutVlan        int            `json:"out_vlan"`
}

// InstallOneSwitchRule connects two ports of the same switch.
type InstallOneSwitchRule struct {
	Header
	InPort         int            `json:"in_port"`
	InVlan         int            `json:"in_vlan"`
	OutPort        int            `json:"out_port"`
	OutVlan        int            `json:"out_vlan"`
	OutputVlanType OutputVlanType `json:"output_vlan_type"`
	MeterID        model.MeterID  `json:"meter_id,omitempty"`
	Bandwidth      int64          `json:"bandwidth,omitempty"`
}

func (*InstallIngressRule) Type() CommandType   { return TypeInstallIngress }
func (*InstallTransitRule) Type() CommandType   { return TypeInstallTransit }
func (*InstallEgressRule) Type() CommandType    { return TypeInstallEgress }
func (*InstallOneSwitchRule) Type() CommandType { return TypeInstallOneSwitch }

// DeleteCriteria selects the rules a RemoveRule deletes. Zero ports and vlans
// match anything; a nil OutPort matches any output.
type DeleteCriteria struct {
	Cookie   model.Cookie `json:"cookie"`
	InPort   int          `json:"in_port,omitempty"`
	InVlan   int          `json:"in_vlan,omitempty"`
	TunnelID int          `json:"tunnel_id,omitempty"`
	OutPort  *int         `json:"out_port,omitempty"`
}

// RemoveRule deletes the rules matching Criteria and, when MeterID is set,
// the meter.
type RemoveRule struct {
	Header
	Criteria DeleteCriteria `json:"criteria"`
	MeterID  *model.MeterID `json:"meter_id,omitempty"`
}

// RemoveMeter deletes a meter without touching rules.
type RemoveMeter struct {
	Header
	MeterID model.MeterID `json:"meter_id"`
}

// DumpRules asks a switch for every rule it holds.
type DumpRules struct {
	Header
}

func (*RemoveRule) Type() CommandType  { return TypeRemoveRule }
func (*RemoveMeter) Type() CommandType { return TypeRemoveMeter }
func (*DumpRules) Type() CommandType   { return TypeDumpRules }

// ErrorCode classifies a failed response.
type ErrorCode string

const (
	ErrorSwitchUnavailable ErrorCode = "SWITCH_UNAVAILABLE"
	ErrorRuleRejected      ErrorCode = "RULE_REJECTED"
	ErrorMeterConflict     ErrorCode = "METER_CONFLICT"
	ErrorBadRequest        ErrorCode = "BAD_REQUEST"
	ErrorTransport         ErrorCode = "TRANSPORT"
	ErrorInternal          ErrorCode = "INTERNAL"
)

// Response answers exactly one command.
type Response struct {
	CommandID   uuid.UUID      `json:"command_id"`
	FlowID      string         `json:"flow_id"`
	SwitchID    model.SwitchID `json:"switch_id"`
	Success     bool           `json:"success"`
	ErrorCode   ErrorCode      `json:"error_code,omitempty"`
	Description string         `json:"description,omitempty"`
	// Entries is set on DumpRules responses.
	Entries []FlowEntry `json:"entries,omitempty"`
}

// SuccessFor builds a success response to cmd.
func SuccessFor(cmd Command) Response {
	h := cmd.CommandHeader()
	return Response{CommandID: h.CommandID, FlowID: h.FlowID, SwitchID: h.SwitchID, Success: true}
}

// FailureFor builds a failed response to cmd.
func FailureFor(cmd Command, code ErrorCode, description string) Response {
	h := cmd.CommandHeader()
	return Response{
		CommandID:   h.CommandID,
		FlowID:      h.FlowID,
		SwitchID:    h.SwitchID,
		ErrorCode:   code,
		Description: description,
	}
}
