package flowhs

import (
	"context"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// Operation names the kind of flow operation.
type Operation string

const (
	OperationCreate  Operation = "create"
	OperationReroute Operation = "reroute"
)

// Carrier is the outbound side of an orchestrator: commands to switches and
// results to the requester. Speaker responses come back through the registry
// keyed by the same key.
type Carrier interface {
	SendSpeakerCommand(ctx context.Context, key string, cmd speaker.Command) error
	SendNorthboundResponse(ctx context.Context, resp Response)
}

// PathDescription summarises an installed path for a response.
type PathDescription struct {
	PathID   model.PathID        `json:"path_id"`
	Cookie   model.Cookie        `json:"cookie"`
	MeterID  model.MeterID       `json:"meter_id,omitempty"`
	Latency  time.Duration       `json:"latency"`
	Segments []model.PathSegment `json:"segments"`
}

// DescribePath returns nil for a nil path.
func DescribePath(p *model.FlowPath) *PathDescription {
	if p == nil {
		return nil
	}
	return &PathDescription{
		PathID:   p.PathID,
		Cookie:   p.Cookie,
		MeterID:  p.MeterID,
		Latency:  p.Latency,
		Segments: append([]model.PathSegment(nil), p.Segments...),
	}
}

// ErrorData is the error payload of a failed operation.
type ErrorData struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Description string    `json:"description,omitempty"`
	FlowID      string    `json:"flow_id,omitempty"`
}

// Response is the single northbound result of an operation. Outcome is the
// terminal state name, or SKIPPED when a reroute had nothing to do.
type Response struct {
	Key         string           `json:"key"`
	FlowID      string           `json:"flow_id"`
	Operation   Operation        `json:"operation"`
	Success     bool             `json:"success"`
	Outcome     string           `json:"outcome,omitempty"`
	Forward     *PathDescription `json:"forward,omitempty"`
	Reverse     *PathDescription `json:"reverse,omitempty"`
	PathChanged bool             `json:"path_changed,omitempty"`
	Error       *ErrorData       `json:"error,omitempty"`
}

// ErrorResponse builds a failed response from err.
func ErrorResponse(key, flowID string, op Operation, err error) Response {
	fe := AsError(err, flowID)
	resp := Response{Key: key, FlowID: flowID, Operation: op}
	if fe != nil {
		resp.Error = &ErrorData{
			Kind:        fe.Kind,
			Message:     fe.Message,
			Description: fe.Description,
			FlowID:      fe.FlowID,
		}
	}
	return resp
}
