package index

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
)

var (
	shelfA = uuid.NewSHA1(uuid.NameSpaceOID, []byte("shelf-a"))
	shelfB = uuid.NewSHA1(uuid.NameSpaceOID, []byte("shelf-b"))
	kush   = items.Key{Kind: "kush", Quality: items.QualityPremium}
	weed   = items.Key{Kind: "kush", Quality: items.QualityPoor}
	leaf   = items.Key{Kind: "cocaleaf"}
)

func snap(e inventory.EntityID, i int, k items.Key, q int) inventory.Snapshot {
	return inventory.Snapshot{Entity: e, Index: i, Role: inventory.RoleStorage, Key: k, Quantity: q, Valid: true}
}

func TestIndex_ApplyRefilesSlot(t *testing.T) {
	ix := New()
	ix.Apply(snap(shelfA, 0, kush, 10))
	if got := ix.EntityLocations(shelfA, kush); !cmp.Equal(got, []int{0}) {
		t.Fatalf("locations=%v", got)
	}
	ix.Apply(snap(shelfA, 0, leaf, 3))
	if ix.Has(kush) {
		t.Fatalf("stale kush entry after identity change")
	}
	if !ix.Has(leaf) {
		t.Fatalf("leaf not indexed")
	}
	ix.Apply(snap(shelfA, 0, leaf, 0))
	if ix.Has(leaf) || ix.Len() != 0 {
		t.Fatalf("zero quantity still indexed")
	}
	s, ok := ix.Snapshot(inventory.SlotKey{Entity: shelfA, Index: 0})
	if !ok || !s.Key.IsEmpty() {
		t.Fatalf("snapshot should remain with empty key: %+v ok=%v", s, ok)
	}
	inv := snap(shelfA, 0, items.Key{}, 0)
	inv.Valid = false
	ix.Apply(inv)
	if _, ok := ix.Snapshot(inventory.SlotKey{Entity: shelfA, Index: 0}); ok {
		t.Fatalf("invalid snapshot not removed")
	}
	if ix.Entities() != 0 {
		t.Fatalf("entities=%d", ix.Entities())
	}
}

func TestIndex_IncrementalEqualsRebuild(t *testing.T) {
	ix := New()
	seq := []inventory.Snapshot{
		snap(shelfA, 0, kush, 10),
		snap(shelfA, 1, weed, 2),
		snap(shelfB, 0, kush, 4),
		snap(shelfA, 0, kush, 0),
		snap(shelfB, 3, leaf, 1),
		snap(shelfA, 1, leaf, 5),
		snap(shelfB, 0, kush, 9),
	}
	for _, s := range seq {
		ix.Apply(s)
	}
	var final []inventory.Snapshot
	for _, e := range []inventory.EntityID{shelfA, shelfB} {
		final = append(final, ix.Slots(e)...)
	}
	want := Rebuild(final).Export()
	if diff := cmp.Diff(want, ix.Export()); diff != "" {
		t.Fatalf("index mismatch (-rebuild +incremental):\n%s", diff)
	}
}

func TestIndex_ClearZeroDropsGhosts(t *testing.T) {
	ix := New()
	ix.Apply(snap(shelfA, 0, kush, 10))
	// Force a ghost: the store says empty while the reverse index still files kush.
	ix.store[shelfA][0] = snap(shelfA, 0, items.Key{}, 0)
	if n := ix.ClearZero(shelfA, []items.Key{kush}); n != 1 {
		t.Fatalf("removed=%d want 1", n)
	}
	if ix.Has(kush) || ix.Len() != 0 {
		t.Fatalf("ghost survived")
	}
}

func TestIndex_MatchingKeys(t *testing.T) {
	ix := New()
	ix.Apply(snap(shelfA, 0, kush, 1))
	ix.Apply(snap(shelfA, 1, weed, 1))
	ix.Apply(snap(shelfB, 0, leaf, 1))

	std := items.Key{Kind: "kush", Quality: items.QualityStandard}
	if got := ix.MatchingKeys(std, items.QualityAtLeast); !cmp.Equal(got, []items.Key{kush}) {
		t.Fatalf("at least standard=%v", got)
	}
	if got := ix.MatchingKeys(kush, items.QualityExact); !cmp.Equal(got, []items.Key{kush}) {
		t.Fatalf("exact=%v", got)
	}
	wild := items.Key{Kind: items.AnyKind}
	if got := ix.MatchingKeys(wild, items.QualityExact); len(got) != 3 {
		t.Fatalf("wildcard=%v", got)
	}
}

func TestIndex_RemoveEntity(t *testing.T) {
	ix := New()
	ix.Apply(snap(shelfA, 0, kush, 1))
	ix.Apply(snap(shelfA, 1, leaf, 1))
	ix.Apply(snap(shelfB, 0, leaf, 1))
	if n := ix.RemoveEntity(shelfA); n != 2 {
		t.Fatalf("removed=%d", n)
	}
	if ix.Has(kush) {
		t.Fatalf("kush still indexed")
	}
	if h := ix.Holders(leaf); len(h) != 1 {
		t.Fatalf("holders=%v", h)
	}
}
