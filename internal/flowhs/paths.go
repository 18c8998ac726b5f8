package flowhs

import (
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/pathcomputer"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// NewFlowPath builds the IN_PROGRESS row for one direction of flow over a
// computed path.
func NewFlowPath(flow *model.Flow, res model.PathResources, cookie model.Cookie, p pathcomputer.Path, now time.Time) *model.FlowPath {
	return &model.FlowPath{
		PathID:          res.PathID,
		FlowID:          flow.FlowID,
		SrcSwitchID:     p.SrcSwitchID,
		DstSwitchID:     p.DstSwitchID,
		Cookie:          cookie,
		MeterID:         res.MeterID,
		Latency:         p.Latency,
		Bandwidth:       flow.Bandwidth,
		IgnoreBandwidth: flow.IgnoreBandwidth,
		Status:          model.FlowPathStatusInProgress,
		Segments:        append([]model.PathSegment(nil), p.Segments...),
		TimeCreate:      now,
	}
}

// Commands widens install commands for sending.
func Commands(installs []speaker.InstallCommand) []speaker.Command {
	out := make([]speaker.Command, 0, len(installs))
	for _, c := range installs {
		out = append(out, c)
	}
	return out
}

// RemovalsFor returns the commands deleting every confirmed install of the
// batches, in confirmation order.
func RemovalsFor(f *speaker.FlowCommandFactory, batches ...*Batch) []speaker.Command {
	var out []speaker.Command
	for _, b := range batches {
		if b == nil {
			continue
		}
		for _, c := range b.Confirmed() {
			if install, ok := c.(speaker.InstallCommand); ok {
				out = append(out, f.CreateRemoveRule(install))
			}
		}
	}
	return out
}

// ResponseFromPayload unpacks the speaker response a COMMAND_EXECUTED event
// carries.
func ResponseFromPayload(payload any) (speaker.Response, error) {
	switch r := payload.(type) {
	case speaker.Response:
		return r, nil
	case *speaker.Response:
		if r != nil {
			return *r, nil
		}
	}
	return speaker.Response{}, Errorf(KindInternal, "Unexpected speaker response", "payload %T is not a speaker response", payload)
}

// SuccessResponse describes the paths an operation ended with.
func SuccessResponse(key string, op Operation, flowID, outcome string, forward, reverse *model.FlowPath) Response {
	return Response{
		Key:       key,
		FlowID:    flowID,
		Operation: op,
		Success:   true,
		Outcome:   outcome,
		Forward:   DescribePath(forward),
		Reverse:   DescribePath(reverse),
	}
}
