package zone

import (
	"stockroom.ai/internal/sim/inventory"
)

// EntityState is a registered entity with the live contents of its slots.
type EntityState struct {
	ID     inventory.EntityID
	Kind   inventory.EntityKind
	Policy AcceptPolicy
	Busy   bool
	Slots  []inventory.Snapshot
}

// Export copies every registered entity in registration order. Slot
// contents come from the live slots, not the index, so pending changes are
// included.
func (z *Zone) Export() (uint64, []EntityState) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]EntityState, 0, len(z.order))
	for _, id := range z.order {
		e := z.entities[id]
		st := EntityState{
			ID:     e.id,
			Kind:   e.kind,
			Policy: copyPolicy(e.policy),
			Busy:   e.busy,
			Slots:  make([]inventory.Snapshot, len(e.slots)),
		}
		for i, s := range e.slots {
			st.Slots[i] = s.Snapshot()
		}
		out = append(out, st)
	}
	return z.tick.Load(), out
}

// ResumeAt sets the tick counter of a zone that has not ticked yet, so a
// zone restored from a snapshot keeps counting from the snapshot's tick.
func (z *Zone) ResumeAt(tick uint64) bool {
	return z.tick.CompareAndSwap(0, tick)
}
