package flowhs

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/timectrl"
)

// NonDeletedRule is a rule a rollback could not remove.
type NonDeletedRule struct {
	Key        string
	FlowID     string
	Command    speaker.Command
	Reason     string
	RecordedAt time.Time
}

// NonDeletedRules is the backlog of rules left behind on switches, kept for
// later cleanup.
type NonDeletedRules struct {
	log     logging.Logger
	metrics *observability.OrchestratorCollector
	clock   timectrl.Clock

	mu    sync.Mutex
	items []NonDeletedRule
}

// NewNonDeletedRules returns an empty backlog.
func NewNonDeletedRules(log logging.Logger, metrics *observability.OrchestratorCollector, clock timectrl.Clock) *NonDeletedRules {
	if log == nil {
		log = logging.Noop()
	}
	if clock == nil {
		clock = timectrl.Wall()
	}
	return &NonDeletedRules{log: log, metrics: metrics, clock: clock}
}

// Record adds cmds to the backlog.
func (b *NonDeletedRules) Record(ctx context.Context, key, flowID string, cmds []speaker.Command, reason string) {
	if len(cmds) == 0 {
		return
	}
	now := b.clock.Now()
	b.mu.Lock()
	for _, cmd := range cmds {
		b.items = append(b.items, NonDeletedRule{Key: key, FlowID: flowID, Command: cmd, Reason: reason, RecordedAt: now})
	}
	n := len(b.items)
	b.mu.Unlock()

	b.metrics.NonDeletedRulesRecorded(len(cmds))
	b.metrics.SetNonDeletedBacklog(n)
	for _, cmd := range cmds {
		h := cmd.CommandHeader()
		b.log.Warn(ctx, "rule was not removed",
			logging.String("key", key),
			logging.String("flow_id", flowID),
			logging.String("switch_id", h.SwitchID.String()),
			logging.String("cookie", h.Cookie.String()),
			logging.String("reason", reason),
		)
	}
}

// List returns a copy of the backlog.
func (b *NonDeletedRules) List() []NonDeletedRule {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]NonDeletedRule(nil), b.items...)
}

// ForFlow returns the backlog entries of one flow.
func (b *NonDeletedRules) ForFlow(flowID string) []NonDeletedRule {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []NonDeletedRule
	for _, it := range b.items {
		if it.FlowID == flowID {
			out = append(out, it)
		}
	}
	return out
}

func (b *NonDeletedRules) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Report logs the backlog size and refreshes the gauge. Run periodically.
func (b *NonDeletedRules) Report(ctx context.Context) {
	n := b.Len()
	b.metrics.SetNonDeletedBacklog(n)
	if n > 0 {
		b.log.Info(ctx, "non-deleted rule backlog", logging.Int("rules", n))
	}
}
