package matchstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/match"
	"github.com/synaptica-ai/patient-matching/pkg/testutil"
)

func forEachStore(t *testing.T, run func(t *testing.T, store Store)) {
	t.Run("gorm", func(t *testing.T) {
		store := NewGormStore(testutil.SQLite(t))
		if err := store.AutoMigrate(); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		run(t, store)
	})
	t.Run("memory", func(t *testing.T) {
		logger.Discard()
		run(t, NewMemoryStore())
	})
}

func newMatch(ref, matched string, score float64) *match.PatientMatch {
	return &match.PatientMatch{
		Reference: match.PatientInMatch{PatientID: ref, Phenotypes: []string{"HP:1", "HP:2"}, OwnerEmail: ref + "@example.org"},
		Matched:   match.PatientInMatch{PatientID: matched, Phenotypes: []string{"HP:1"}},
		Score:     score,
	}
}

func mustSave(t *testing.T, store Store, matches ...*match.PatientMatch) []*match.PatientMatch {
	t.Helper()
	saved, err := store.Save(context.Background(), matches)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	return saved
}

func TestSaveIsIdempotentPerKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		first := mustSave(t, store, newMatch("P1", "P2", 0.6))
		if len(first) != 1 || first[0].ID == 0 {
			t.Fatalf("expected an assigned id, got %+v", first)
		}

		refreshed := newMatch("P1", "P2", 0.9)
		refreshed.Matched.Phenotypes = []string{"HP:1", "HP:2"}
		second := mustSave(t, store, refreshed)
		if second[0].ID != first[0].ID {
			t.Fatalf("expected id %d to be kept, got %d", first[0].ID, second[0].ID)
		}
		if second[0].Score != 0.9 || len(second[0].Matched.Phenotypes) != 2 {
			t.Fatalf("expected refreshed score and snapshot, got %+v", second[0])
		}
		if !second[0].FoundAt.Equal(first[0].FoundAt) {
			t.Fatalf("found_at changed from %v to %v", first[0].FoundAt, second[0].FoundAt)
		}

		all, err := store.LoadByFilter(ctx, 0, false)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("expected one stored match, got %d", len(all))
		}
	})
}

func TestSaveCollapsesDuplicateKeysInOneCall(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		saved := mustSave(t, store, newMatch("P1", "P2", 0.5), newMatch("P1", "P2", 0.7), newMatch("P2", "P1", 0.7))
		if len(saved) != 2 {
			t.Fatalf("expected two directional matches, got %d", len(saved))
		}
		if saved[0].Score != 0.7 {
			t.Fatalf("expected last duplicate to win, got %v", saved[0].Score)
		}
	})
}

func TestSavePreservesFlags(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		saved := mustSave(t, store, newMatch("P1", "P2", 0.8))
		err := store.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.MarkNotified(saved); err != nil {
				return err
			}
			return tx.MarkRejected(saved, true)
		})
		if err != nil {
			t.Fatalf("mark: %v", err)
		}

		again := mustSave(t, store, newMatch("P1", "P2", 0.85))
		m := again[0]
		if !m.Notified || m.NotifiedAt == nil || !m.Rejected || m.RejectedAt == nil {
			t.Fatalf("re-discovery reset lifecycle flags: %+v", m)
		}
	})
}

func TestLoadByFilterOrdersByScoreThenID(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustSave(t, store,
			newMatch("P1", "P2", 0.6),
			newMatch("P1", "P3", 0.9),
			newMatch("P1", "P4", 0.6),
			newMatch("P1", "P5", 0.2),
		)
		got, err := store.LoadByFilter(ctx, 0.5, false)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		var order []string
		for _, m := range got {
			order = append(order, m.Matched.PatientID)
		}
		want := []string{"P3", "P2", "P4"}
		if len(order) != len(want) {
			t.Fatalf("expected %v, got %v", want, order)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, order)
			}
		}

		notified, err := store.LoadByFilter(ctx, 0, true)
		if err != nil || len(notified) != 0 {
			t.Fatalf("expected no notified matches, got %d (%v)", len(notified), err)
		}
	})
}

func TestLoadByIDsSkipsMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		saved := mustSave(t, store, newMatch("P1", "P2", 0.6))

		got, err := store.LoadByIDs(ctx, []int64{saved[0].ID, 9999})
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(got) != 1 || got[0].ID != saved[0].ID {
			t.Fatalf("expected only the stored match, got %+v", got)
		}
		if got[0].Reference.OwnerEmail != "P1@example.org" {
			t.Fatalf("owner snapshot lost: %+v", got[0].Reference)
		}

		empty, err := store.LoadByIDs(ctx, nil)
		if err != nil || empty == nil || len(empty) != 0 {
			t.Fatalf("expected empty result for no ids, got %v (%v)", empty, err)
		}
	})
}

func TestLoadByPatient(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		remote := newMatch("P3", "R1", 0.7)
		remote.Matched.ServerID = "remote-a"
		mustSave(t, store, newMatch("P1", "P2", 0.6), newMatch("P1", "P3", 0.6), newMatch("P2", "P1", 0.6), remote)

		byRef, err := store.LoadByReferencePatientID(ctx, "P1")
		if err != nil || len(byRef) != 2 {
			t.Fatalf("expected two matches for P1, got %d (%v)", len(byRef), err)
		}
		byMatched, err := store.LoadByMatchedPatientID(ctx, "P1")
		if err != nil || len(byMatched) != 1 || byMatched[0].Reference.PatientID != "P2" {
			t.Fatalf("expected P2->P1 only, got %+v (%v)", byMatched, err)
		}
		remoteSide, err := store.LoadByMatchedPatientID(ctx, "R1")
		if err != nil || len(remoteSide) != 0 {
			t.Fatalf("remote matched side must not be returned, got %d", len(remoteSide))
		}
	})
}

func TestTransactionRollsBackOnError(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		saved := mustSave(t, store, newMatch("P1", "P2", 0.8), newMatch("P1", "P3", 0.8))
		boom := errors.New("boom")

		err := store.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.MarkNotified(saved[:1]); err != nil {
				return err
			}
			if err := tx.Delete(saved[1:]); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error, got %v", err)
		}

		got, err := store.LoadByIDs(ctx, []int64{saved[0].ID, saved[1].ID})
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("delete was not rolled back, %d left", len(got))
		}
		if got[0].Notified {
			t.Fatal("notified flag was not rolled back")
		}
	})
}

func TestTransactionRecoversPanic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		saved := mustSave(t, store, newMatch("P1", "P2", 0.8))

		err := store.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.MarkNotified(saved); err != nil {
				return err
			}
			panic("sender exploded")
		})
		if err == nil {
			t.Fatal("expected panic to surface as an error")
		}
		got, _ := store.LoadByIDs(ctx, []int64{saved[0].ID})
		if len(got) != 1 || got[0].Notified {
			t.Fatalf("panic did not roll back: %+v", got)
		}
	})
}

func TestMarkNotifiedIsOneWay(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		saved := mustSave(t, store, newMatch("P1", "P2", 0.8))
		mark := func(tx Tx) error { return tx.MarkNotified(saved) }

		if err := store.RunInTransaction(ctx, mark); err != nil {
			t.Fatalf("first mark: %v", err)
		}
		if err := store.RunInTransaction(ctx, mark); !errors.Is(err, ErrAlreadyNotified) {
			t.Fatalf("expected ErrAlreadyNotified, got %v", err)
		}
	})
}

func TestMarkRejectedToggles(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		saved := mustSave(t, store, newMatch("P1", "P2", 0.8))
		var last time.Time
		for _, rejected := range []bool{true, false} {
			err := store.RunInTransaction(ctx, func(tx Tx) error { return tx.MarkRejected(saved, rejected) })
			if err != nil {
				t.Fatalf("mark rejected=%v: %v", rejected, err)
			}
			got, _ := store.LoadByIDs(ctx, []int64{saved[0].ID})
			if got[0].Rejected != rejected || got[0].RejectedAt == nil {
				t.Fatalf("expected rejected=%v with a timestamp, got %+v", rejected, got[0])
			}
			if got[0].RejectedAt.Before(last) {
				t.Fatalf("rejected_at went backwards: %v then %v", last, *got[0].RejectedAt)
			}
			last = *got[0].RejectedAt
		}
	})
}

func TestLockByScopeSelectsOneReferenceAndServer(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		remote := newMatch("P1", "R1", 0.5)
		remote.Matched.ServerID = "remote-a"
		mustSave(t, store,
			newMatch("P1", "P2", 0.8),
			newMatch("P1", "P3", 0.4),
			newMatch("P2", "P1", 0.8),
			remote,
		)

		var got []*match.PatientMatch
		err := store.RunInTransaction(ctx, func(tx Tx) error {
			var err error
			got, err = tx.LockByScope(match.Scope{ReferencePatientID: "P1"})
			return err
		})
		if err != nil {
			t.Fatalf("lock by scope: %v", err)
		}
		if len(got) != 2 || got[0].Matched.PatientID != "P2" || got[1].Matched.PatientID != "P3" {
			t.Fatalf("expected P1's local matches in id order, got %+v", got)
		}
	})
}

func TestDeleteRemovesKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		saved := mustSave(t, store, newMatch("P1", "P2", 0.8))
		if err := store.RunInTransaction(ctx, func(tx Tx) error { return tx.Delete(saved) }); err != nil {
			t.Fatalf("delete: %v", err)
		}
		again := mustSave(t, store, newMatch("P1", "P2", 0.8))
		if again[0].ID == saved[0].ID {
			t.Fatal("expected a fresh id after delete")
		}
	})
}

func TestMemoryStoreConcurrentMarkNotified(t *testing.T) {
	logger.Discard()
	store := NewMemoryStore()
	saved := mustSave(t, store, newMatch("P1", "P2", 0.8))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		marked  int
		skipped int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunInTransaction(ctx, func(tx Tx) error {
				current, err := tx.LockByIDs([]int64{saved[0].ID})
				if err != nil {
					return err
				}
				if current[0].Notified {
					return ErrAlreadyNotified
				}
				return tx.MarkNotified(current)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				marked++
			case errors.Is(err, ErrAlreadyNotified):
				skipped++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if marked != 1 || skipped != 15 {
		t.Fatalf("expected exactly one winner, got %d marked and %d skipped", marked, skipped)
	}
}

func TestMemoryStoreCancelledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().RunInTransaction(ctx, func(Tx) error { return nil })
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
