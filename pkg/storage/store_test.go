package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	pg "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

func newInstruction(owner int64) *instruction.Instruction {
	return &instruction.Instruction{
		Title:         "Buy Tencent",
		AssetCode:     "00700.HK",
		Side:          instruction.SideBuy,
		Qty:           decimal.NewFromInt(1000),
		PriceType:     instruction.PriceMarket,
		Urgency:       instruction.UrgencyHigh,
		TargetTraders: []int64{2},
		CreatedBy:     owner,
		Org:           "desk",
	}
}

func createTransition(at time.Time) instruction.Transition {
	return instruction.Transition{Action: instruction.ActionCreate, ActorID: 1, ActorRole: instruction.RoleIM, To: instruction.StatusSubmitted, At: at}
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("create assigns increasing ids", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Create(ctx, newInstruction(1), createTransition(now))
		if err != nil {
			t.Fatal(err)
		}
		b, err := s.Create(ctx, newInstruction(1), createTransition(now))
		if err != nil {
			t.Fatal(err)
		}
		if b.ID <= a.ID {
			t.Fatalf("ids not increasing: %d then %d", a.ID, b.ID)
		}
		if a.Status != instruction.StatusSubmitted || a.Version != 1 {
			t.Errorf("created = status %s version %d", a.Status, a.Version)
		}
	})

	t.Run("apply transition appends history", func(t *testing.T) {
		s := newStore(t)
		in, _ := s.Create(ctx, newInstruction(1), createTransition(now))

		tr := instruction.Transition{Action: instruction.ActionDispatch, ActorRole: instruction.RoleSystem, From: instruction.StatusSubmitted, To: instruction.StatusSent, At: now.Add(time.Second)}
		got, err := s.ApplyTransition(ctx, in.ID, instruction.StatusSubmitted, tr)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != instruction.StatusSent || got.Version != 2 {
			t.Errorf("after dispatch: status %s version %d", got.Status, got.Version)
		}

		h, err := s.History(ctx, in.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(h) != 2 || h[1].Seq != 2 || h[1].To != instruction.StatusSent {
			t.Fatalf("history = %+v", h)
		}
		status, err := instruction.Project(h)
		if err != nil || status != got.Status {
			t.Errorf("Project(history) = %s, %v; stored %s", status, err, got.Status)
		}
	})

	t.Run("stale from status conflicts", func(t *testing.T) {
		s := newStore(t)
		in, _ := s.Create(ctx, newInstruction(1), createTransition(now))

		tr := instruction.Transition{Action: instruction.ActionCancel, ActorRole: instruction.RoleIM, From: instruction.StatusSent, To: instruction.StatusCancelled, At: now}
		if _, err := s.ApplyTransition(ctx, in.ID, instruction.StatusSent, tr); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		h, _ := s.History(ctx, in.ID)
		if len(h) != 1 {
			t.Errorf("conflicting write must not append history, got %d entries", len(h))
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, 999); !errors.Is(err, instruction.ErrNotFound) {
			t.Errorf("Get() error = %v", err)
		}
		tr := instruction.Transition{Action: instruction.ActionCancel, To: instruction.StatusCancelled, At: now}
		if _, err := s.ApplyTransition(ctx, 999, instruction.StatusSubmitted, tr); !errors.Is(err, instruction.ErrNotFound) {
			t.Errorf("ApplyTransition() error = %v", err)
		}
		if _, err := s.History(ctx, 999); !errors.Is(err, instruction.ErrNotFound) {
			t.Errorf("History() error = %v", err)
		}
	})

	t.Run("list filters newest first", func(t *testing.T) {
		s := newStore(t)
		first, _ := s.Create(ctx, newInstruction(1), createTransition(now))
		_, _ = s.Create(ctx, newInstruction(5), createTransition(now))
		third, _ := s.Create(ctx, newInstruction(1), createTransition(now))

		own, err := s.List(ctx, Filter{CreatedBy: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(own) != 2 || own[0].ID != third.ID || own[1].ID != first.ID {
			t.Fatalf("List(own) returned %d items", len(own))
		}

		all, _ := s.List(ctx, Filter{Limit: 2})
		if len(all) != 2 {
			t.Errorf("List(limit 2) returned %d", len(all))
		}

		none, _ := s.List(ctx, Filter{Statuses: []instruction.Status{instruction.StatusExecuted}})
		if len(none) != 0 {
			t.Errorf("status filter returned %d", len(none))
		}
	})

	t.Run("concurrent transitions only one wins", func(t *testing.T) {
		s := newStore(t)
		in, _ := s.Create(ctx, newInstruction(1), createTransition(now))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr := instruction.Transition{Action: instruction.ActionCancel, ActorRole: instruction.RoleIM, From: instruction.StatusSubmitted, To: instruction.StatusCancelled, At: now}
				if _, err := s.ApplyTransition(ctx, in.ID, instruction.StatusSubmitted, tr); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("%d writers won, want exactly 1", wins)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPebbleStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPebbleStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPebbleStore_ReopenKeepsIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := s.Create(ctx, newInstruction(1), createTransition(time.Now()))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Get(ctx, first.ID)
	if err != nil || got.Title != first.Title || !got.Qty.Equal(first.Qty) {
		t.Fatalf("Get() after reopen = %+v, %v", got, err)
	}
	second, _ := s.Create(ctx, newInstruction(1), createTransition(time.Now()))
	if second.ID != first.ID+1 {
		t.Errorf("id after reopen = %d, want %d", second.ID, first.ID+1)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DESK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DESK_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		db, err := gorm.Open(pg.Open(dsn), &gorm.Config{})
		if err != nil {
			t.Fatal(err)
		}
		if err := db.Migrator().DropTable(&transitionRow{}, &instructionRow{}); err != nil {
			t.Fatal(err)
		}
		if err := db.AutoMigrate(&instructionRow{}, &transitionRow{}); err != nil {
			t.Fatal(err)
		}
		s := NewPostgresStore(db)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
