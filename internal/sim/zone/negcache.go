package zone

import (
	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
)

// IsItemNotFound reports whether a search for key under tol is known to fail.
func (z *Zone) IsItemNotFound(key items.Key, tol items.Tolerance) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.notFound.Has(notFoundKey{Key: key, Tol: tol})
}

func (z *Zone) AddItemNotFound(key items.Key, tol items.Tolerance) {
	if key.IsEmpty() {
		return
	}
	z.mu.Lock()
	z.notFound.Add(notFoundKey{Key: key, Tol: tol})
	z.mu.Unlock()
}

// ClearItemNotFoundCache forgets key under every tolerance. An empty key
// clears the whole cache.
func (z *Zone) ClearItemNotFoundCache(key items.Key) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if key.IsEmpty() {
		z.notFound.Clear()
		return
	}
	z.notFound.RemoveFunc(func(nk notFoundKey) bool { return nk.Key == key })
}

func (z *Zone) IsNoDropOff(key items.Key) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.noDrop.Has(key)
}

func (z *Zone) AddNoDropOffCache(key items.Key) {
	if key.IsEmpty() {
		return
	}
	z.mu.Lock()
	z.noDrop.Add(key)
	z.mu.Unlock()
}

func (z *Zone) RemoveNoDropOffCache(key items.Key) {
	z.mu.Lock()
	z.noDrop.Remove(key)
	z.mu.Unlock()
}

// invalidateNoDropForLocked drops no-drop-off entries that e can now take.
func (z *Zone) invalidateNoDropForLocked(e *entity) {
	if z.noDrop.Len() == 0 || e.policy.Mode == AcceptNone {
		return
	}
	for _, s := range z.ix.Slots(e.id) {
		z.invalidateNoDropSlotLocked(e, s)
	}
}

func (z *Zone) invalidateNoDropSlotLocked(e *entity, s inventory.Snapshot) {
	if !s.Role.Sink() || s.Locked {
		return
	}
	z.noDrop.RemoveFunc(func(k items.Key) bool {
		return e.policy.Accepts(k) && s.Capacity(k, z.limits) > 0
	})
}
