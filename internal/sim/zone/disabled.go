package zone

import (
	"fmt"

	"stockroom.ai/internal/sim/cache/disabled"
	"stockroom.ai/internal/sim/inventory"
)

// DisableEntity records that policy code switched an entity off until one
// (or all) of rec.Required becomes locatable. If that already holds, the
// reactivation fires right away.
func (z *Zone) DisableEntity(rec disabled.Record) error {
	if z.closed.Load() {
		return ErrZoneClosed
	}
	z.mu.Lock()
	if _, ok := z.entities[rec.Entity]; !ok {
		z.mu.Unlock()
		return ErrEntityNotRegistered
	}
	if err := z.disabled.Disable(rec); err != nil {
		z.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	z.writeAudit(AuditEntry{Action: "DISABLE", Entity: rec.Entity.String(), Slot: -1, Reason: rec.ActionID,
		Details: map[string]any{"mode": rec.Mode.String(), "required": len(rec.Required)}})
	for _, want := range rec.Required {
		src, ok := z.findItemLocked(want, 1, rec.Tolerance)
		if !ok {
			continue
		}
		have := src.Slots[0].Key
		for _, done := range z.disabled.Observe(have, z.availableLocked) {
			z.fired = append(z.fired, Reactivation{Zone: z.cfg.ID, Entity: done.Entity, ActionID: done.ActionID, Key: have, Tick: z.tick.Load()})
		}
		break
	}
	fired := z.takeFiredLocked()
	z.mu.Unlock()
	z.fire(fired)
	return nil
}

// EnableEntity drops a disabled record without firing a reactivation.
func (z *Zone) EnableEntity(id inventory.EntityID) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.disabled.Enable(id)
	return ok
}

func (z *Zone) IsDisabled(id inventory.EntityID) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	_, ok := z.disabled.Get(id)
	return ok
}
