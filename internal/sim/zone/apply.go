package zone

import (
	"fmt"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/sched"
)

// NotifySlotChanged queues one raw slot mutation. Changes to the same slot
// coalesce: the latest snapshot wins and keeps the first queue position.
func (z *Zone) NotifySlotChanged(c inventory.Change) {
	if z.closed.Load() {
		return
	}
	sk := c.Slot.SlotKey()
	z.qmu.Lock()
	defer z.qmu.Unlock()
	if i, ok := z.queued[sk]; ok {
		z.pending[i] = c
		return
	}
	if len(z.pending) >= z.cfg.PendingLimit {
		// Too far behind: drop the queue and rebuild from live slots.
		z.overflow = true
		z.pending = z.pending[:0]
		clear(z.queued)
		return
	}
	z.queued[sk] = len(z.pending)
	z.pending = append(z.pending, c)
}

// QueueDepth returns the number of changes waiting to be applied.
func (z *Zone) QueueDepth() int {
	z.qmu.Lock()
	defer z.qmu.Unlock()
	return len(z.pending)
}

func (z *Zone) reindexQueueLocked() {
	clear(z.queued)
	for i, c := range z.pending {
		z.queued[c.Slot.SlotKey()] = i
	}
}

// startApplyLocked hands the queued changes to the scheduler unless an
// earlier apply job is still running; queued changes keep coalescing until
// it finishes so an older chunk never overwrites a newer snapshot.
func (z *Zone) startApplyLocked() {
	if z.applyJob != nil && !z.applyJob.Done() {
		return
	}
	z.qmu.Lock()
	overflow := z.overflow
	z.overflow = false
	changes := z.pending
	z.pending = nil
	clear(z.queued)
	z.qmu.Unlock()

	if overflow {
		z.resyncLocked()
		return
	}
	if len(changes) == 0 {
		return
	}
	z.applyJob = z.submitApplyLocked(changes)
}

func (z *Zone) submitApplyLocked(changes []inventory.Change) *sched.Job {
	return sched.Submit(z.sched, OpApply, changes, normalize, func(out []inventory.Snapshot) {
		for _, s := range out {
			if _, ok := z.entities[s.Entity]; !ok {
				continue
			}
			if s.Valid && z.slotLocked(s.SlotKey()) == nil {
				continue
			}
			z.applyLocked(s)
		}
	})
}

// normalize turns a raw change into the snapshot the index stores.
func normalize(c inventory.Change) inventory.Snapshot {
	s := c.Slot
	if c.Kind == inventory.ChangeRemoved {
		s.Valid = false
	}
	if s.Quantity <= 0 || s.Key.IsEmpty() {
		s.Quantity = 0
		s.Key = items.Key{}
		s.StackLimit = 0
	}
	return s
}

// applyLocked folds one snapshot into the store and index and runs the
// read-after-write reactions: negative cache invalidation and reactivation.
func (z *Zone) applyLocked(s inventory.Snapshot) {
	prev, had := z.ix.Apply(s)
	z.applied++

	if had && prev.Holds() && (!s.Holds() || prev.Key != s.Key) {
		z.ix.ClearZero(s.Entity, []items.Key{prev.Key})
	}
	if s.Holds() {
		z.notFound.RemoveFunc(func(nk notFoundKey) bool { return s.Key.Matches(nk.Key, nk.Tol) })
	}
	// Reactivation waits until the stack is locatable: claimed slots are
	// skipped by searches.
	if s.Holds() && !s.Locked && !z.table.Held(s.SlotKey()) {
		for _, rec := range z.disabled.Observe(s.Key, z.availableLocked) {
			z.fired = append(z.fired, Reactivation{
				Zone:     z.cfg.ID,
				Entity:   rec.Entity,
				ActionID: rec.ActionID,
				Key:      s.Key,
				Tick:     z.tick.Load(),
			})
			z.logger.Printf("zone %s: re-enabled %s for action %s, %s available", z.cfg.ID, rec.Entity, rec.ActionID, s.Key)
			z.writeAudit(AuditEntry{Action: "REACTIVATE", Entity: rec.Entity.String(), Slot: -1, Item: s.Key.String(), Reason: rec.ActionID})
		}
	}
	if z.noDrop.Len() > 0 && s.Valid && opened(prev, had, s) {
		if e := z.entities[s.Entity]; e != nil {
			z.invalidateNoDropSlotLocked(e, s)
		}
	}
}

// opened reports whether s may accept items that prev could not.
func opened(prev inventory.Snapshot, had bool, s inventory.Snapshot) bool {
	if s.Locked {
		return false
	}
	if !had || !prev.Valid || prev.Locked {
		return true
	}
	return s.Quantity < prev.Quantity || prev.Key != s.Key
}

// ApplyUpdate applies one snapshot immediately, bypassing the queue.
func (z *Zone) ApplyUpdate(s inventory.Snapshot) error {
	if z.closed.Load() {
		return ErrZoneClosed
	}
	z.mu.Lock()
	e, ok := z.entities[s.Entity]
	if !ok {
		z.mu.Unlock()
		return ErrEntityNotRegistered
	}
	if e.slot(s.Index) == nil {
		z.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotNotFound, s.SlotKey())
	}
	z.applyLocked(normalize(inventory.Change{Kind: inventory.ChangeSet, Slot: s}))
	fired := z.takeFiredLocked()
	z.mu.Unlock()
	z.fire(fired)
	return nil
}

// ClearZeroQuantityEntries drops index entries for keys on one entity that
// the live slots no longer hold. Each such slot is refiled from its live
// state; the count of dropped entries is returned.
func (z *Zone) ClearZeroQuantityEntries(id inventory.EntityID, keys []items.Key) int {
	if len(keys) == 0 || z.closed.Load() {
		return 0
	}
	z.mu.Lock()
	e, ok := z.entities[id]
	if !ok {
		z.mu.Unlock()
		return 0
	}
	want := make(map[items.Key]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	removed := 0
	for _, stored := range z.ix.Slots(id) {
		if _, ok := want[stored.Key]; !ok || !stored.Holds() {
			continue
		}
		live := e.slot(stored.Index)
		if live == nil {
			continue
		}
		cur := live.Snapshot()
		if cur.Holds() && cur.Key == stored.Key {
			continue
		}
		z.applyLocked(cur)
		removed++
	}
	removed += z.ix.ClearZero(id, keys)
	fired := z.takeFiredLocked()
	z.mu.Unlock()
	z.fire(fired)
	return removed
}

// resyncLocked reapplies every live slot in registration order.
func (z *Zone) resyncLocked() {
	z.resyncs++
	z.logger.Printf("zone %s: pending queue overflow, resyncing %d entities", z.cfg.ID, len(z.order))
	for _, id := range z.order {
		for _, s := range z.entities[id].slots {
			z.applyLocked(s.Snapshot())
		}
	}
}
