package flowhs

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// RuleValidator checks switch dumps against the rules a set of installs
// should have produced.
type RuleValidator struct {
	expected   map[model.SwitchID][]speaker.FlowEntry
	mismatches []speaker.Mismatch
}

// NewRuleValidator indexes the expected entry of every install by switch.
func NewRuleValidator(installs []speaker.InstallCommand) *RuleValidator {
	v := &RuleValidator{expected: make(map[model.SwitchID][]speaker.FlowEntry)}
	for _, cmd := range installs {
		e := cmd.Entry()
		v.expected[e.SwitchID] = append(v.expected[e.SwitchID], e)
	}
	return v
}

// Switches returns the switches to dump, ascending.
func (v *RuleValidator) Switches() []model.SwitchID {
	ids := make([]model.SwitchID, 0, len(v.expected))
	for id := range v.expected {
		ids = append(ids, id)
	}
	return model.SortSwitchIDs(ids)
}

// Check compares one successful dump and keeps the mismatches.
func (v *RuleValidator) Check(resp speaker.Response) []speaker.Mismatch {
	m := speaker.MatchEntries(v.expected[resp.SwitchID], resp.Entries)
	v.mismatches = append(v.mismatches, m...)
	return m
}

// Mismatches returns everything found so far.
func (v *RuleValidator) Mismatches() []speaker.Mismatch {
	return append([]speaker.Mismatch(nil), v.mismatches...)
}

// Err returns a RemoteInstallFailure describing the mismatches, or nil.
func (v *RuleValidator) Err(flowID, stage string) error {
	if len(v.mismatches) == 0 {
		return nil
	}
	parts := make([]string, 0, len(v.mismatches))
	for _, m := range v.mismatches {
		parts = append(parts, m.String())
	}
	return &Error{
		Kind:        KindRemoteInstallFailure,
		Message:     "Failed to validate " + stage,
		Description: fmt.Sprintf("%d rule(s) invalid: %s", len(parts), strings.Join(parts, "; ")),
		FlowID:      flowID,
	}
}
