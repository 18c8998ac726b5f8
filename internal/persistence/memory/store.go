// Package memory is an in-process persistence.Store. Entities are held as
// private copies; transactions keep an undo journal and hold switch locks
// until they finish.
//
// Isolation is read uncommitted: a transaction writes straight into the
// shared maps, so reads outside it see its writes before commit and see them
// disappear again on rollback. Writers that touch the same switches are
// serialized by the switch locks. Callers that need a consistent view read
// inside a transaction holding the relevant switch locks.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// Store keeps flows, paths, switches and links in memory.
//
// Lock ordering: switch locks (acquired through transactions, ascending
// switch id) are always taken before Store.mu. Store.mu is only held for the
// duration of a single read or write.
type Store struct {
	mu       sync.RWMutex
	flows    map[string]*model.Flow
	paths    map[model.PathID]*model.FlowPath
	switches map[model.SwitchID]*model.Switch
	isls     map[model.IslEndpoints]*model.Isl

	locksMu     sync.Mutex
	switchLocks map[model.SwitchID]chan struct{}

	txSeq      atomic.Uint64
	commitFail atomic.Pointer[error]

	log logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for transaction diagnostics.
func WithLogger(log logging.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		flows:       make(map[string]*model.Flow),
		paths:       make(map[model.PathID]*model.FlowPath),
		switches:    make(map[model.SwitchID]*model.Switch),
		isls:        make(map[model.IslEndpoints]*model.Isl),
		switchLocks: make(map[model.SwitchID]chan struct{}),
		log:         logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) Flows() persistence.FlowRepository         { return flowRepo{s: s} }
func (s *Store) FlowPaths() persistence.FlowPathRepository { return pathRepo{s: s} }
func (s *Store) Switches() persistence.SwitchRepository    { return switchRepo{s: s} }
func (s *Store) Isls() persistence.IslRepository           { return islRepo{s: s} }

// FailNextCommit makes the next top level transaction roll back with err
// instead of committing. It exists for fault injection in tests.
func (s *Store) FailNextCommit(err error) {
	s.commitFail.Store(&err)
}

// Counts reports the number of stored entities.
func (s *Store) Counts() (flows, paths, switches, isls int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows), len(s.paths), len(s.switches), len(s.isls)
}

// ---- writes shared by auto-commit and transactional repositories ----

func (s *Store) putFlow(t *tx, f *model.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.flows[f.FlowID]
	if t != nil {
		id := f.FlowID
		t.journal(func() {
			if existed {
				s.flows[id] = prev
			} else {
				delete(s.flows, id)
			}
		})
	}
	s.flows[f.FlowID] = f.Clone()
}

func (s *Store) deleteFlow(t *tx, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.flows[id]
	if !existed {
		return false
	}
	if t != nil {
		t.journal(func() { s.flows[id] = prev })
	}
	delete(s.flows, id)
	return true
}

func (s *Store) putPath(t *tx, p *model.FlowPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.paths[p.PathID]
	if t != nil {
		id := p.PathID
		t.journal(func() {
			if existed {
				s.paths[id] = prev
			} else {
				delete(s.paths, id)
			}
		})
	}
	s.paths[p.PathID] = p.Clone()
}

func (s *Store) deletePath(t *tx, id model.PathID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.paths[id]
	if !existed {
		return false
	}
	if t != nil {
		t.journal(func() { s.paths[id] = prev })
	}
	delete(s.paths, id)
	return true
}

func (s *Store) putSwitch(t *tx, sw *model.Switch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.switches[sw.SwitchID]
	if t != nil {
		id := sw.SwitchID
		t.journal(func() {
			if existed {
				s.switches[id] = prev
			} else {
				delete(s.switches, id)
			}
		})
	}
	c := *sw
	s.switches[sw.SwitchID] = &c
}

func (s *Store) putIsl(t *tx, isl *model.Isl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := isl.IslEndpoints
	prev, existed := s.isls[key]
	if t != nil {
		t.journal(func() {
			if existed {
				s.isls[key] = prev
			} else {
				delete(s.isls, key)
			}
		})
	}
	s.isls[key] = isl.Clone()
}

// ---- switch locks ----

func (s *Store) switchLock(id model.SwitchID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.switchLocks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.switchLocks[id] = l
	}
	return l
}

func sortedPaths(m map[model.PathID]*model.FlowPath, keep func(*model.FlowPath) bool) []*model.FlowPath {
	out := make([]*model.FlowPath, 0)
	for _, p := range m {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathID < out[j].PathID })
	return out
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, persistence.ErrNotFound)
}
