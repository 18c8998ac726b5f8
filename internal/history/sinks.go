package history

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
)

// LogSink writes entries to a structured logger.
type LogSink struct {
	log logging.Logger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(log logging.Logger) *LogSink {
	if log == nil {
		log = logging.Noop()
	}
	return &LogSink{log: log.With(logging.String("component", "history"))}
}

func (s *LogSink) Save(ctx context.Context, e Entry) error {
	fields := []logging.Field{
		logging.String("task_id", e.TaskID),
		logging.String("flow_id", e.FlowID),
		logging.String("action", e.Action),
	}
	if e.Details != "" {
		fields = append(fields, logging.String("details", e.Details))
	}
	if e.After != nil {
		fields = append(fields, logging.String("status", string(e.After.Status)))
	}
	s.log.Info(ctx, "flow history", fields...)
	return nil
}

// MemorySink keeps entries in memory, in save order.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Save(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// All returns every entry.
func (s *MemorySink) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// ByTask returns the entries of one operation.
func (s *MemorySink) ByTask(taskID string) []Entry {
	return s.filter(func(e Entry) bool { return e.TaskID == taskID })
}

// ByFlow returns the entries of one flow across operations.
func (s *MemorySink) ByFlow(flowID string) []Entry {
	return s.filter(func(e Entry) bool { return e.FlowID == flowID })
}

// Actions returns the action names of one operation in order.
func (s *MemorySink) Actions(taskID string) []string {
	var out []string
	for _, e := range s.ByTask(taskID) {
		out = append(out, e.Action)
	}
	return out
}

func (s *MemorySink) filter(keep func(Entry) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// MultiSink fans entries out to several sinks. Every sink is tried; errors
// are joined.
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Save(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
