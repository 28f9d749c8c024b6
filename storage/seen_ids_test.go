package storage

import (
	"testing"
	"time"
)

func TestSeenOfferIDsOperations(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Unix()
	if err := store.InsertSeenID("offer-old", now-100); err != nil {
		t.Fatalf("InsertSeenID old failed: %v", err)
	}
	if err := store.InsertSeenID("offer-new", now); err != nil {
		t.Fatalf("InsertSeenID new failed: %v", err)
	}
	if err := store.InsertSeenID("offer-new", 0); err != nil {
		t.Fatalf("InsertSeenID repeat failed: %v", err)
	}

	seen, err := store.HasSeenID("offer-old")
	if err != nil {
		t.Fatalf("HasSeenID old failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected offer-old to be seen")
	}

	seen, err = store.HasSeenID("missing")
	if err != nil {
		t.Fatalf("HasSeenID missing failed: %v", err)
	}
	if seen {
		t.Fatalf("expected missing offer id to be unseen")
	}

	pruned, err := store.PruneOldEntries(now - 50)
	if err != nil {
		t.Fatalf("PruneOldEntries failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned offer id, got %d", pruned)
	}

	if seen, _ := store.HasSeenID("offer-old"); seen {
		t.Fatalf("expected offer-old to be pruned")
	}
	if seen, _ := store.HasSeenID("offer-new"); !seen {
		t.Fatalf("expected offer-new to remain after prune")
	}

	if err := store.InsertSeenID("", now); err == nil {
		t.Fatalf("expected empty offer id to be rejected")
	}
}
