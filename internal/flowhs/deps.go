// Package flowhs holds what the flow create and reroute orchestrators share:
// the error taxonomy, the carrier contract, pending command tracking, the
// action wrapper and helpers for history, ISL accounting and rule checks.
package flowhs

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/history"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/pathcomputer"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/timectrl"
)

// Config tunes speaker interaction.
type Config struct {
	// SpeakerTimeout bounds how long a machine waits in a state that
	// expects speaker responses.
	SpeakerTimeout time.Duration
	// CommandRetries is how many times a failed install is resent.
	CommandRetries int
	// RemoveRetries applies to rule removal during rollback.
	RemoveRetries int
}

// ApplyDefaults fills zero values.
func (c Config) ApplyDefaults() Config {
	if c.SpeakerTimeout <= 0 {
		c.SpeakerTimeout = 30 * time.Second
	}
	if c.CommandRetries <= 0 {
		c.CommandRetries = 3
	}
	if c.RemoveRetries < 0 {
		c.RemoveRetries = 0
	}
	return c
}

// Deps bundles the collaborators every action uses.
type Deps struct {
	Store     persistence.Store
	Resources *resources.Manager
	Paths     pathcomputer.PathComputer
	Factory   *speaker.FlowCommandFactory
	Carrier   Carrier
	History   history.Sink
	Backlog   *NonDeletedRules
	Metrics   *observability.OrchestratorCollector
	Clock     timectrl.Clock
	Log       logging.Logger
	Config    Config
}

// Validate checks required collaborators and fills optional ones.
func (d *Deps) Validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("flowhs: store is required"))
	}
	if d.Resources == nil {
		errs = append(errs, errors.New("flowhs: resource manager is required"))
	}
	if d.Paths == nil {
		errs = append(errs, errors.New("flowhs: path computer is required"))
	}
	if d.Carrier == nil {
		errs = append(errs, errors.New("flowhs: carrier is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if d.Factory == nil {
		d.Factory = speaker.NewFlowCommandFactory()
	}
	if d.Clock == nil {
		d.Clock = timectrl.Wall()
	}
	if d.Log == nil {
		d.Log = logging.Noop()
	}
	if d.Backlog == nil {
		d.Backlog = NewNonDeletedRules(d.Log, d.Metrics, d.Clock)
	}
	d.Config = d.Config.ApplyDefaults()
	return nil
}

// Now reads the configured clock.
func (d *Deps) Now() time.Time { return d.Clock.Now() }

// Logger returns the context logger when one is attached.
func (d *Deps) Logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return d.Log
}

// SaveHistory records an entry. Sink failures are logged and otherwise
// ignored.
func (d *Deps) SaveHistory(ctx context.Context, key, flowID, action, details string, before, after *history.FlowDump) {
	if d.History == nil {
		return
	}
	e := history.Entry{
		TaskID:    key,
		FlowID:    flowID,
		Action:    action,
		Details:   details,
		Timestamp: d.Now(),
		Before:    before,
		After:     after,
	}
	if err := d.History.Save(ctx, e); err != nil {
		d.Logger(ctx).Warn(ctx, "failed to save flow history",
			logging.String("key", key),
			logging.String("flow_id", flowID),
			logging.String("action", action),
			logging.Err(err),
		)
	}
}

// SendCommands sends cmds through batch and counts them.
func (d *Deps) SendCommands(ctx context.Context, op Operation, key string, batch *Batch, cmds ...speaker.Command) error {
	for _, cmd := range cmds {
		d.Metrics.SpeakerCommandSent(string(op), string(cmd.Type()))
	}
	return batch.Send(ctx, d.Carrier, key, cmds...)
}
