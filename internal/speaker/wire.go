package speaker

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// envelope is the JSON document carried inside the gRPC BytesValue.
type envelope struct {
	Type          CommandType            `json:"type"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	SentAt        *timestamppb.Timestamp `json:"sent_at,omitempty"`
	Payload       json.RawMessage        `json:"payload"`
}

func encodeCommand(cmd Command, correlationID string, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}
	return json.Marshal(envelope{
		Type:          cmd.Type(),
		CorrelationID: correlationID,
		SentAt:        timestamppb.New(now),
		Payload:       payload,
	})
}

func decodeCommand(data []byte) (Command, envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("%w: envelope: %v", ErrUnknownCommand, err)
	}
	if env.SentAt != nil {
		if err := env.SentAt.CheckValid(); err != nil {
			return nil, env, fmt.Errorf("%w: sent_at: %v", ErrUnknownCommand, err)
		}
	}
	var cmd Command
	switch env.Type {
	case TypeInstallIngress:
		cmd = &InstallIngressRule{}
	case TypeInstallTransit:
		cmd = &InstallTransitRule{}
	case TypeInstallEgress:
		cmd = &InstallEgressRule{}
	case TypeInstallOneSwitch:
		cmd = &InstallOneSwitchRule{}
	case TypeRemoveRule:
		cmd = &RemoveRule{}
	case TypeRemoveMeter:
		cmd = &RemoveMeter{}
	case TypeDumpRules:
		cmd = &DumpRules{}
	default:
		return nil, env, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
	if err := json.Unmarshal(env.Payload, cmd); err != nil {
		return nil, env, fmt.Errorf("%w: %s payload: %v", ErrUnknownCommand, env.Type, err)
	}
	return cmd, env, nil
}
