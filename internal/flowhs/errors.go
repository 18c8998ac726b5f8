package flowhs

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/pathcomputer"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
)

// ErrorKind classifies why a flow operation failed.
type ErrorKind string

const (
	KindValidation           ErrorKind = "VALIDATION_ERROR"
	KindResourceExhausted    ErrorKind = "RESOURCE_EXHAUSTED"
	KindUnroutable           ErrorKind = "UNROUTABLE"
	KindRecoverable          ErrorKind = "RECOVERABLE"
	KindRemoteInstallFailure ErrorKind = "REMOTE_INSTALL_FAILURE"
	KindPersistenceFailure   ErrorKind = "PERSISTENCE_FAILURE"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindNotFound             ErrorKind = "NOT_FOUND"
	KindAlreadyExists        ErrorKind = "ALREADY_EXISTS"
	KindInternal             ErrorKind = "INTERNAL"
)

// Error is a classified operation failure. Message is the short reason sent
// northbound, Description the detail.
type Error struct {
	Kind        ErrorKind
	Message     string
	Description string
	FlowID      string
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error whose description is formatted from args.
func Errorf(kind ErrorKind, message, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: message, Description: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping err as the cause.
func Wrap(kind ErrorKind, message string, err error) *Error {
	e := &Error{Kind: kind, Message: message, Err: err}
	if err != nil {
		e.Description = err.Error()
	}
	return e
}

// KindOf classifies any error. Typed errors keep their kind; known sentinels
// from the lower layers map onto their kind; everything else is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	switch {
	case errors.Is(err, resources.ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, pathcomputer.ErrUnroutable):
		return KindUnroutable
	case errors.Is(err, pathcomputer.ErrRecoverable):
		return KindRecoverable
	case errors.Is(err, persistence.ErrNotFound):
		return KindNotFound
	case errors.Is(err, persistence.ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// AsError returns err as an *Error, classifying it with KindOf when it is not
// one already. The flow id is filled in when missing.
func AsError(err error, flowID string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		fe = Wrap(KindOf(err), "", err)
	}
	if fe.FlowID == "" {
		fe.FlowID = flowID
	}
	return fe
}
