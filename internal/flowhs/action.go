package flowhs

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Subject is the per-operation state machine actions work on.
type Subject interface {
	Key() string
	FlowID() string
}

// Instrument wraps body in a span, turns panics into internal errors,
// classifies every error as an *Error and records the action duration.
func Instrument[T Subject](op Operation, name string, metrics *observability.OrchestratorCollector, body fsm.Action[T]) fsm.Action[T] {
	return func(ctx context.Context, s T, payload any) (ev fsm.Event, err error) {
		start := time.Now()
		ctx, span := observability.StartSpan(ctx, string(op)+"."+name,
			attribute.String("flowhs.key", s.Key()),
			attribute.String("flowhs.flow_id", s.FlowID()),
		)
		defer func() {
			if r := recover(); r != nil {
				ev = ""
				err = Errorf(KindInternal, "Unexpected failure", "%s panicked: %v", name, r)
			}
			if err != nil {
				fe := AsError(err, s.FlowID())
				err = fe
				span.RecordError(fe)
				span.SetStatus(codes.Error, string(fe.Kind))
			}
			span.End()
			metrics.ObserveAction(string(op), name, time.Since(start))
		}()
		return body(ctx, s, payload)
	}
}

// ErrorFromPayload extracts the error an ERROR or TIMEOUT event carries.
func ErrorFromPayload(payload any, flowID string) *Error {
	if err, ok := payload.(error); ok && err != nil {
		return AsError(err, flowID)
	}
	return &Error{Kind: KindInternal, Message: "Operation failed", FlowID: flowID}
}

// NewTimeoutError is the payload of a TIMEOUT event.
func NewTimeoutError(flowID string, state fsm.State) *Error {
	return &Error{
		Kind:        KindTimeout,
		Message:     "Operation timed out",
		Description: fmt.Sprintf("no speaker response before the deadline in %s", state),
		FlowID:      flowID,
	}
}
