package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

func seedPath(id model.PathID, bw int64, segs ...model.PathSegment) *model.FlowPath {
	return &model.FlowPath{
		PathID:    id,
		FlowID:    "f1",
		Bandwidth: bw,
		Status:    model.FlowPathStatusInProgress,
		Segments:  segs,
	}
}

func TestTransactionRollbackRestoresEntities(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.Flows().CreateOrUpdate(ctx, &model.Flow{FlowID: "f1", Status: model.FlowStatusUp}); err != nil {
		t.Fatalf("seed flow: %v", err)
	}

	boom := errors.New("boom")
	err := s.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := tx.Flows().UpdateStatus(ctx, "f1", model.FlowStatusInProgress); err != nil {
			return err
		}
		if err := tx.FlowPaths().CreateOrUpdate(ctx, seedPath("p1", 10)); err != nil {
			return err
		}
		// Writes are visible inside the transaction.
		f, err := tx.Flows().FindByID(ctx, "f1")
		if err != nil {
			return err
		}
		if f.Status != model.FlowStatusInProgress {
			t.Errorf("in-tx status = %s", f.Status)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("DoInTransaction error = %v, want boom", err)
	}

	f, err := s.Flows().FindByID(ctx, "f1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if f.Status != model.FlowStatusUp {
		t.Fatalf("status after rollback = %s, want UP", f.Status)
	}
	if _, err := s.FlowPaths().FindByID(ctx, "p1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("path survived rollback: %v", err)
	}
}

func TestFailNextCommitRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	injected := errors.New("commit failed")
	s.FailNextCommit(injected)

	err := s.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		return tx.Flows().CreateOrUpdate(ctx, &model.Flow{FlowID: "f1"})
	})
	if !errors.Is(err, injected) {
		t.Fatalf("err = %v, want injected", err)
	}
	if ok, _ := s.Flows().Exists(ctx, "f1"); ok {
		t.Fatalf("flow committed despite injected failure")
	}

	// The injection is one-shot.
	if err := s.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		return tx.Flows().CreateOrUpdate(ctx, &model.Flow{FlowID: "f1"})
	}); err != nil {
		t.Fatalf("second transaction: %v", err)
	}
}

func TestNestedTransactionJoinsOuter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	err := s.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := s.DoInTransaction(ctx, func(ctx context.Context, inner persistence.Repositories) error {
			return inner.Flows().CreateOrUpdate(ctx, &model.Flow{FlowID: "nested"})
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	if err == nil {
		t.Fatalf("expected outer error")
	}
	if ok, _ := s.Flows().Exists(ctx, "nested"); ok {
		t.Fatalf("nested write survived outer rollback")
	}
}

func TestPanicRollsBackAndReleasesLocks(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = s.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
			if err := tx.Switches().Lock(ctx, 1, 2); err != nil {
				return err
			}
			_ = tx.Flows().CreateOrUpdate(ctx, &model.Flow{FlowID: "f1"})
			panic("kaboom")
		})
	}()

	if ok, _ := s.Flows().Exists(ctx, "f1"); ok {
		t.Fatalf("write survived panic")
	}

	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.DoInTransaction(lockCtx, func(ctx context.Context, tx persistence.Repositories) error {
		return tx.Switches().Lock(ctx, 1, 2)
	}); err != nil {
		t.Fatalf("switch locks leaked after panic: %v", err)
	}
}

func TestSwitchLocksSerializeOverlappingTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var (
		mu     sync.Mutex
		inside int
		maxIn  int
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		ids := []model.SwitchID{3, 1, 2}
		if i%2 == 0 {
			ids = []model.SwitchID{2, 3}
		}
		go func(ids []model.SwitchID) {
			defer wg.Done()
			_ = s.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
				if err := tx.Switches().Lock(ctx, ids...); err != nil {
					return err
				}
				mu.Lock()
				inside++
				if inside > maxIn {
					maxIn = inside
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}(ids)
	}
	wg.Wait()

	if maxIn != 1 {
		t.Fatalf("transactions sharing switches overlapped: max concurrent = %d", maxIn)
	}
}

func TestLockOutsideTransaction(t *testing.T) {
	s := NewStore()
	if err := s.Switches().Lock(context.Background(), 1); !errors.Is(err, persistence.ErrNoTransaction) {
		t.Fatalf("err = %v, want ErrNoTransaction", err)
	}
}

func TestLockOrderViolationRejected(t *testing.T) {
	s := NewStore()
	err := s.DoInTransaction(context.Background(), func(ctx context.Context, tx persistence.Repositories) error {
		if err := tx.Switches().Lock(ctx, 5); err != nil {
			return err
		}
		// Re-locking a held switch is fine.
		if err := tx.Switches().Lock(ctx, 5); err != nil {
			return err
		}
		return tx.Switches().Lock(ctx, 2)
	})
	if err == nil {
		t.Fatalf("expected lock order error")
	}
}

func TestUsedBandwidthBetweenEndpoints(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seg := model.PathSegment{SrcSwitchID: 1, SrcPort: 11, DstSwitchID: 2, DstPort: 21}
	other := model.PathSegment{SrcSwitchID: 2, SrcPort: 22, DstSwitchID: 3, DstPort: 31}

	_ = s.FlowPaths().CreateOrUpdate(ctx, seedPath("a", 100, seg, other))
	_ = s.FlowPaths().CreateOrUpdate(ctx, seedPath("b", 50, seg))
	ignored := seedPath("c", 1000, seg)
	ignored.IgnoreBandwidth = true
	_ = s.FlowPaths().CreateOrUpdate(ctx, ignored)

	used, err := s.FlowPaths().UsedBandwidthBetweenEndpoints(ctx, model.EndpointsOf(seg))
	if err != nil {
		t.Fatalf("UsedBandwidthBetweenEndpoints: %v", err)
	}
	if used != 150 {
		t.Fatalf("used = %d, want 150", used)
	}

	used, _ = s.FlowPaths().UsedBandwidthBetweenEndpoints(ctx, model.EndpointsOf(seg).Reverse())
	if used != 0 {
		t.Fatalf("reverse direction used = %d, want 0", used)
	}
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.FlowPaths().CreateOrUpdate(ctx, seedPath("a", 1, model.PathSegment{SrcSwitchID: 1, DstSwitchID: 2}))

	p, _ := s.FlowPaths().FindByID(ctx, "a")
	p.Segments[0].SrcPort = 99
	p.Status = model.FlowPathStatusActive

	stored, _ := s.FlowPaths().FindByID(ctx, "a")
	if stored.Segments[0].SrcPort == 99 || stored.Status == model.FlowPathStatusActive {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestReadsOutsideTransactionSeeUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if err := s.Flows().CreateOrUpdate(ctx, &model.Flow{FlowID: "f1", Status: model.FlowStatusUp}); err != nil {
		t.Fatalf("seed flow: %v", err)
	}

	boom := errors.New("boom")
	err := s.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := tx.Flows().UpdateStatus(ctx, "f1", model.FlowStatusInProgress); err != nil {
			return err
		}
		// a reader on the store itself, not on tx
		f, err := s.Flows().FindByID(context.Background(), "f1")
		if err != nil {
			return err
		}
		if f.Status != model.FlowStatusInProgress {
			t.Errorf("outside status during tx = %s, want IN_PROGRESS", f.Status)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("DoInTransaction error = %v, want boom", err)
	}

	f, err := s.Flows().FindByID(ctx, "f1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if f.Status != model.FlowStatusUp {
		t.Fatalf("status after rollback = %s, want UP", f.Status)
	}
}
