package flowhs

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
)

// Stages runs the speaker rounds of one operation: rule installs, dump
// validation and rule removal. Each round owns one batch; a response for a
// command outside the current batch is ignored.
type Stages struct {
	deps   *Deps
	op     Operation
	key    string
	flowID string

	installs  []*Batch
	current   *Batch
	validator *RuleValidator
}

// NewStages returns the round tracker of the operation under key.
func NewStages(deps *Deps, op Operation, key, flowID string) *Stages {
	return &Stages{deps: deps, op: op, key: key, flowID: flowID}
}

// Installs returns every install batch sent so far, oldest first.
func (s *Stages) Installs() []*Batch { return s.installs }

// Current returns the batch of the round in progress.
func (s *Stages) Current() *Batch { return s.current }

// SendInstalls opens an install round. An empty round moves on at once.
func (s *Stages) SendInstalls(ctx context.Context, cmds []speaker.InstallCommand, stage string) (fsm.Event, error) {
	batch := NewBatch(s.deps.Config.CommandRetries)
	s.current = batch
	s.installs = append(s.installs, batch)
	if len(cmds) == 0 {
		return fsm.EventNext, nil
	}
	if err := s.deps.SendCommands(ctx, s.op, s.key, batch, Commands(cmds)...); err != nil {
		return "", Wrap(KindRemoteInstallFailure, "Failed to "+stage, err)
	}
	s.deps.Logger(ctx).Debug(ctx, "commands sent",
		logging.String("stage", stage),
		logging.Int("commands", len(cmds)),
	)
	return "", nil
}

// handle applies the response in payload to batch. It reports false when
// the response was not for a pending command of batch.
func (s *Stages) handle(ctx context.Context, batch *Batch, payload any) (speaker.Response, bool, error) {
	resp, err := ResponseFromPayload(payload)
	if err != nil {
		return resp, false, err
	}
	if batch == nil {
		return resp, false, nil
	}
	known, err := batch.Handle(ctx, s.deps.Carrier, s.key, resp)
	if err != nil {
		return resp, false, err
	}
	log := s.deps.Logger(ctx)
	if !known {
		log.Debug(ctx, "ignoring response for a command that is not pending",
			logging.String("command_id", resp.CommandID.String()),
		)
		return resp, false, nil
	}
	if !resp.Success {
		log.Warn(ctx, "speaker command failed",
			logging.String("command_id", resp.CommandID.String()),
			logging.String("switch_id", resp.SwitchID.String()),
			logging.String("error_code", string(resp.ErrorCode)),
			logging.String("description", resp.Description),
			logging.Int("attempts", batch.Attempts(resp.CommandID)),
		)
	}
	return resp, true, nil
}

// OnInstallResponse returns NEXT once every install of the round succeeded
// and an error once the round is settled with failures.
func (s *Stages) OnInstallResponse(ctx context.Context, payload any, stage string) (fsm.Event, error) {
	_, known, err := s.handle(ctx, s.current, payload)
	if err != nil || !known || !s.current.Done() {
		return "", err
	}
	if err := s.current.InstallError(s.flowID, stage); err != nil {
		return "", err
	}
	return fsm.EventNext, nil
}

// DumpRules opens a validation round asking every switch expected lives on
// for its table.
func (s *Stages) DumpRules(ctx context.Context, expected []speaker.InstallCommand) (fsm.Event, error) {
	s.validator = NewRuleValidator(expected)
	s.current = NewBatch(s.deps.Config.CommandRetries)
	switches := s.validator.Switches()
	if len(switches) == 0 {
		return fsm.EventNext, nil
	}
	dumps := s.deps.Factory.CreateDumpRules(s.flowID, switches)
	cmds := make([]speaker.Command, 0, len(dumps))
	for _, d := range dumps {
		cmds = append(cmds, d)
	}
	if err := s.deps.SendCommands(ctx, s.op, s.key, s.current, cmds...); err != nil {
		return "", Wrap(KindRemoteInstallFailure, "Failed to validate rules", err)
	}
	return "", nil
}

// OnDumpResponse checks one dump. Once every switch answered it returns
// NEXT, or an error naming the failed dumps or the mismatched rules.
func (s *Stages) OnDumpResponse(ctx context.Context, payload any, stage string) (fsm.Event, error) {
	resp, known, err := s.handle(ctx, s.current, payload)
	if err != nil || !known {
		return "", err
	}
	if resp.Success {
		for _, m := range s.validator.Check(resp) {
			s.deps.Logger(ctx).Warn(ctx, "rule mismatch",
				logging.String("switch_id", resp.SwitchID.String()),
				logging.String("mismatch", m.String()),
			)
		}
	}
	if !s.current.Done() {
		return "", nil
	}
	if err := s.current.InstallError(s.flowID, "validate "+stage); err != nil {
		return "", err
	}
	if err := s.validator.Err(s.flowID, stage); err != nil {
		return "", err
	}
	return fsm.EventNext, nil
}

// SendRemovals opens a removal round with the rollback retry budget. It
// returns NEXT when there is nothing left to wait for.
func (s *Stages) SendRemovals(ctx context.Context, cmds []speaker.Command) (fsm.Event, error) {
	s.current = NewBatch(s.deps.Config.RemoveRetries)
	if len(cmds) == 0 {
		return fsm.EventNext, nil
	}
	if err := s.deps.SendCommands(ctx, s.op, s.key, s.current, cmds...); err != nil {
		s.deps.Logger(ctx).Warn(ctx, "failed to send rule removal", logging.Err(err))
	}
	if s.current.Done() {
		return fsm.EventNext, nil
	}
	return "", nil
}

// OnRemoveResponse returns NEXT once the removal round is settled. Failures
// are kept for StoreNonDeleted.
func (s *Stages) OnRemoveResponse(ctx context.Context, payload any) (fsm.Event, error) {
	_, known, err := s.handle(ctx, s.current, payload)
	if err != nil || !known || !s.current.Done() {
		return "", err
	}
	return fsm.EventNext, nil
}

// StoreNonDeleted settles the removal round, abandoning what is still
// outstanding, and hands every command that did not succeed to the backlog.
// It returns how many were recorded. The round is closed afterwards.
func (s *Stages) StoreNonDeleted(ctx context.Context, payload any) int {
	batch := s.current
	if batch == nil {
		return 0
	}
	s.current = nil
	reason := "rule removal failed"
	if err, ok := payload.(error); ok && err != nil {
		reason = err.Error()
	}
	if !batch.Done() {
		batch.Abandon(reason)
	}
	failed := batch.FailedCommands()
	if len(failed) == 0 {
		return 0
	}
	s.deps.Backlog.Record(ctx, s.key, s.flowID, failed, reason)
	s.deps.SaveHistory(ctx, s.key, s.flowID, "Rules were not removed",
		fmt.Sprintf("%d rule(s) left on switches", len(failed)), nil, nil)
	return len(failed)
}
