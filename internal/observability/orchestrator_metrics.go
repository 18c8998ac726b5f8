package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrchestratorCollector exposes flow operation metrics. All methods are safe
// on a nil receiver.
type OrchestratorCollector struct {
	gatherer prometheus.Gatherer

	Started         *prometheus.CounterVec
	Finished        *prometheus.CounterVec
	Durations       *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec
	SpeakerCommands *prometheus.CounterVec
	Timeouts        *prometheus.CounterVec
	Actions         *prometheus.HistogramVec
	Inflight        *prometheus.GaugeVec
	NonDeleted      prometheus.Counter
	Backlog         prometheus.Gauge
}

// NewOrchestratorCollector registers orchestrator metrics against reg.
func NewOrchestratorCollector(reg prometheus.Registerer) (*OrchestratorCollector, error) {
	reg, gatherer := registryOrDefault(reg)
	c := &OrchestratorCollector{gatherer: gatherer}
	var err error

	if c.Started, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhs_operations_started_total",
		Help: "Flow operations started, by kind.",
	}, []string{"kind"}), "flowhs_operations_started_total"); err != nil {
		return nil, err
	}
	if c.Finished, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhs_operations_finished_total",
		Help: "Flow operations finished, by kind and terminal state.",
	}, []string{"kind", "outcome"}), "flowhs_operations_finished_total"); err != nil {
		return nil, err
	}
	if c.Durations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowhs_operation_duration_seconds",
		Help:    "Time from request to terminal state.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind", "outcome"}), "flowhs_operation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhs_state_transitions_total",
		Help: "States entered by flow operation machines.",
	}, []string{"kind", "state"}), "flowhs_state_transitions_total"); err != nil {
		return nil, err
	}
	if c.SpeakerCommands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhs_speaker_commands_total",
		Help: "Commands sent to switches, by operation kind and command type.",
	}, []string{"kind", "type"}), "flowhs_speaker_commands_total"); err != nil {
		return nil, err
	}
	if c.Timeouts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhs_timeouts_total",
		Help: "Speaker response deadlines that expired.",
	}, []string{"kind"}), "flowhs_timeouts_total"); err != nil {
		return nil, err
	}
	if c.Actions, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowhs_action_duration_seconds",
		Help:    "Duration of individual machine actions.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind", "action"}), "flowhs_action_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Inflight, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowhs_inflight_operations",
		Help: "Flow operations currently registered.",
	}, []string{"kind"}), "flowhs_inflight_operations"); err != nil {
		return nil, err
	}
	if c.NonDeleted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowhs_non_deleted_rules_total",
		Help: "Rules a rollback failed to remove.",
	}), "flowhs_non_deleted_rules_total"); err != nil {
		return nil, err
	}
	if c.Backlog, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowhs_non_deleted_rules_backlog",
		Help: "Rules currently recorded as not deleted.",
	}), "flowhs_non_deleted_rules_backlog"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the gatherer the collector registered with.
func (c *OrchestratorCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *OrchestratorCollector) Handler() http.Handler {
	if c == nil {
		return handlerFor(nil)
	}
	return handlerFor(c.gatherer)
}

// OperationStarted counts a new operation and marks it in flight.
func (c *OrchestratorCollector) OperationStarted(kind string) {
	if c == nil {
		return
	}
	c.Started.WithLabelValues(kind).Inc()
	c.Inflight.WithLabelValues(kind).Inc()
}

// OperationFinished records the terminal state and total duration.
func (c *OrchestratorCollector) OperationFinished(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Finished.WithLabelValues(kind, outcome).Inc()
	c.Durations.WithLabelValues(kind, outcome).Observe(d.Seconds())
	c.Inflight.WithLabelValues(kind).Dec()
}

// StateEntered counts a state transition.
func (c *OrchestratorCollector) StateEntered(kind, state string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(kind, state).Inc()
}

// SpeakerCommandSent counts an outbound command.
func (c *OrchestratorCollector) SpeakerCommandSent(kind, commandType string) {
	if c == nil {
		return
	}
	c.SpeakerCommands.WithLabelValues(kind, commandType).Inc()
}

// TimeoutFired counts an expired deadline.
func (c *OrchestratorCollector) TimeoutFired(kind string) {
	if c == nil {
		return
	}
	c.Timeouts.WithLabelValues(kind).Inc()
}

// ObserveAction records how long one action ran.
func (c *OrchestratorCollector) ObserveAction(kind, action string, d time.Duration) {
	if c == nil {
		return
	}
	c.Actions.WithLabelValues(kind, action).Observe(d.Seconds())
}

// NonDeletedRulesRecorded adds n rules to the non-deleted counter.
func (c *OrchestratorCollector) NonDeletedRulesRecorded(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.NonDeleted.Add(float64(n))
}

// SetNonDeletedBacklog sets the current backlog size.
func (c *OrchestratorCollector) SetNonDeletedBacklog(n int) {
	if c == nil {
		return
	}
	c.Backlog.Set(float64(n))
}
