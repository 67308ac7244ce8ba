package inventory

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"stockroom.ai/internal/sim/items"
)

type fixedLimits int

func (f fixedLimits) StackLimit(items.Key) int { return int(f) }

type recorder struct{ got []Change }

func (r *recorder) NotifySlotChanged(c Change) { r.got = append(r.got, c) }

var (
	testEntity = uuid.NewSHA1(uuid.NameSpaceOID, []byte("shelf-a"))
	kush       = items.Key{Kind: "kush", Quality: items.QualityPremium}
	baggie     = items.Key{Kind: "baggie"}
)

func TestSlot_InsertRemoveEmitsChanges(t *testing.T) {
	s := NewSlot(testEntity, 0, RoleStorage, fixedLimits(20))
	rec := &recorder{}
	s.Bind(rec)

	if err := s.Insert(kush, 10); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(kush, 5); err != nil {
		t.Fatalf("insert again: %v", err)
	}
	if err := s.Remove(kush, 15); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(rec.got) != 3 {
		t.Fatalf("changes=%d want 3", len(rec.got))
	}
	if rec.got[0].Kind != ChangeSet || rec.got[1].Kind != ChangeQuantity || rec.got[2].Kind != ChangeClear {
		t.Fatalf("unexpected kinds: %v %v %v", rec.got[0].Kind, rec.got[1].Kind, rec.got[2].Kind)
	}
	if got := rec.got[1].Slot; got.Quantity != 15 || got.Key != kush || got.StackLimit != 20 {
		t.Fatalf("snapshot=%+v", got)
	}
	if last := rec.got[2].Slot; !last.Key.IsEmpty() || last.Quantity != 0 || !last.Valid {
		t.Fatalf("cleared snapshot=%+v", last)
	}
}

func TestSlot_RejectsInfeasibleMutations(t *testing.T) {
	s := NewSlot(testEntity, 1, RoleInput, fixedLimits(20)).WithLimit(4)
	if err := s.Insert(baggie, 5); !errors.Is(err, ErrCapacity) {
		t.Fatalf("insert over slot limit: %v", err)
	}
	if err := s.Insert(baggie, 4); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(kush, 1); !errors.Is(err, ErrIdentity) {
		t.Fatalf("insert other key: %v", err)
	}
	if err := s.Remove(baggie, 5); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("remove too many: %v", err)
	}
	if err := s.Remove(kush, 1); !errors.Is(err, ErrIdentity) {
		t.Fatalf("remove other key: %v", err)
	}
	if err := s.Insert(baggie, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("insert zero: %v", err)
	}
	if st := s.Stack(); st.Quantity != 4 || st.Key != baggie {
		t.Fatalf("stack=%+v", st)
	}
}

func TestSnapshot_Capacity(t *testing.T) {
	limits := fixedLimits(20)
	empty := Snapshot{Valid: true}
	if got := empty.Capacity(kush, limits); got != 20 {
		t.Fatalf("empty capacity=%d", got)
	}
	held := Snapshot{Valid: true, Key: kush, Quantity: 6, SlotLimit: 10}
	if got := held.Capacity(kush, limits); got != 4 {
		t.Fatalf("held capacity=%d", got)
	}
	if got := held.Capacity(baggie, limits); got != 0 {
		t.Fatalf("foreign capacity=%d", got)
	}
	if got := (Snapshot{}).Capacity(kush, limits); got != 0 {
		t.Fatalf("invalid capacity=%d", got)
	}
}

func TestSlot_LockRoundTrip(t *testing.T) {
	s := NewSlot(testEntity, 2, RoleStorage, fixedLimits(20))
	rec := &recorder{}
	s.Bind(rec)
	s.ApplyLock("agent-1", "restock")
	if l, ok := s.Locked(); !ok || l.Holder != "agent-1" {
		t.Fatalf("lock=%+v ok=%v", l, ok)
	}
	if !s.Snapshot().Locked {
		t.Fatalf("snapshot should be locked")
	}
	s.RemoveLock()
	s.RemoveLock()
	if len(rec.got) != 2 {
		t.Fatalf("changes=%d want 2", len(rec.got))
	}
}

func TestSlot_ReleaseLockChecksHolder(t *testing.T) {
	s := NewSlot(testEntity, 0, RoleStorage, fixedLimits(20))
	rec := &recorder{}
	s.Bind(rec)
	s.ApplyLock("agent-2", "fetch")
	if s.ReleaseLock("agent-1") {
		t.Fatalf("foreign holder released the lock")
	}
	if l, ok := s.Locked(); !ok || l.Holder != "agent-2" {
		t.Fatalf("lock=%+v ok=%v", l, ok)
	}
	if !s.ReleaseLock("agent-2") || s.Snapshot().Locked {
		t.Fatalf("owner could not release")
	}
	if s.ReleaseLock("agent-2") {
		t.Fatalf("released twice")
	}
	if len(rec.got) != 2 {
		t.Fatalf("changes=%d want 2", len(rec.got))
	}
}
