package memory

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

type txKey struct{}

// tx is one unit of work. It is confined to the goroutine running
// DoInTransaction.
type tx struct {
	store  *Store
	id     uint64
	undo   []func()
	held   map[model.SwitchID]chan struct{}
	maxID  model.SwitchID
	closed bool
}

func (t *tx) Flows() persistence.FlowRepository         { return flowRepo{s: t.store, t: t} }
func (t *tx) FlowPaths() persistence.FlowPathRepository { return pathRepo{s: t.store, t: t} }
func (t *tx) Switches() persistence.SwitchRepository    { return switchRepo{s: t.store, t: t} }
func (t *tx) Isls() persistence.IslRepository           { return islRepo{s: t.store, t: t} }

// journal records an undo step. Caller holds store.mu.
func (t *tx) journal(undo func()) {
	t.undo = append(t.undo, undo)
}

func (t *tx) check() error {
	if t.closed {
		return persistence.ErrTransactionClosed
	}
	return nil
}

func (t *tx) lock(ctx context.Context, ids []model.SwitchID) error {
	if err := t.check(); err != nil {
		return err
	}
	ids = model.SortSwitchIDs(append([]model.SwitchID(nil), ids...))
	for _, id := range ids {
		if _, ok := t.held[id]; ok {
			continue
		}
		if len(t.held) > 0 && id < t.maxID {
			return fmt.Errorf("persistence: locking switch %s after %s breaks lock order", id, t.maxID)
		}
		l := t.store.switchLock(id)
		select {
		case l <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("persistence: lock switch %s: %w", id, ctx.Err())
		}
		t.held[id] = l
		t.maxID = id
	}
	return nil
}

func (t *tx) rollback() {
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
}

func (t *tx) release() {
	for id, l := range t.held {
		<-l
		delete(t.held, id)
	}
	t.closed = true
}

// DoInTransaction runs fn as one unit of work. A transaction already present
// on ctx is joined, in which case the outermost call decides the outcome.
func (s *Store) DoInTransaction(ctx context.Context, fn func(ctx context.Context, tx persistence.Repositories) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if outer, ok := ctx.Value(txKey{}).(*tx); ok && !outer.closed {
		return fn(ctx, outer)
	}

	t := &tx{
		store: s,
		id:    s.txSeq.Add(1),
		held:  make(map[model.SwitchID]chan struct{}),
	}
	txCtx := context.WithValue(ctx, txKey{}, t)

	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			t.release()
			panic(r)
		}
	}()

	err = fn(txCtx, t)
	if err == nil {
		if injected := s.commitFail.Swap(nil); injected != nil {
			err = *injected
		}
	}
	if err != nil {
		t.rollback()
		s.log.Debug(ctx, "transaction rolled back",
			logging.Any("tx", t.id),
			logging.Err(err),
		)
	}
	t.release()
	return err
}
