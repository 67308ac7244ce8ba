// Package index holds a zone's snapshot store and reverse item index.
//
// Index is not safe for concurrent use; the zone serializes access.
package index

import (
	"sort"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
)

type Index struct {
	store map[inventory.EntityID]map[int]inventory.Snapshot

	global map[items.Key]map[inventory.SlotKey]struct{}
	entity map[inventory.EntityID]map[items.Key]map[int]struct{}
	// indexed records the key each slot is currently filed under.
	indexed map[inventory.SlotKey]items.Key
	kinds   map[string]map[items.Key]struct{}
}

func New() *Index {
	return &Index{
		store:   map[inventory.EntityID]map[int]inventory.Snapshot{},
		global:  map[items.Key]map[inventory.SlotKey]struct{}{},
		entity:  map[inventory.EntityID]map[items.Key]map[int]struct{}{},
		indexed: map[inventory.SlotKey]items.Key{},
		kinds:   map[string]map[items.Key]struct{}{},
	}
}

// Rebuild returns a fresh index built from scratch over snaps.
func Rebuild(snaps []inventory.Snapshot) *Index {
	ix := New()
	for _, s := range snaps {
		ix.Apply(s)
	}
	return ix
}

// Apply upserts one snapshot and refiles its slot in the reverse index.
// An invalid snapshot removes the slot entirely. It returns the previous
// snapshot, if any.
func (ix *Index) Apply(s inventory.Snapshot) (prev inventory.Snapshot, had bool) {
	sk := s.SlotKey()
	slots := ix.store[s.Entity]
	if slots != nil {
		prev, had = slots[s.Index]
	}
	if !s.Valid {
		if had {
			delete(slots, s.Index)
			if len(slots) == 0 {
				delete(ix.store, s.Entity)
			}
		}
		ix.unfile(sk)
		return prev, had
	}
	if slots == nil {
		slots = map[int]inventory.Snapshot{}
		ix.store[s.Entity] = slots
	}
	if s.Quantity <= 0 {
		s.Quantity = 0
		s.Key = items.Key{}
		s.StackLimit = 0
	}
	slots[s.Index] = s

	if !s.Holds() {
		ix.unfile(sk)
		return prev, had
	}
	if cur, ok := ix.indexed[sk]; ok {
		if cur == s.Key {
			return prev, had
		}
		ix.unfile(sk)
	}
	ix.file(sk, s.Key)
	return prev, had
}

func (ix *Index) file(sk inventory.SlotKey, k items.Key) {
	locs := ix.global[k]
	if locs == nil {
		locs = map[inventory.SlotKey]struct{}{}
		ix.global[k] = locs
		kk := ix.kinds[k.Kind]
		if kk == nil {
			kk = map[items.Key]struct{}{}
			ix.kinds[k.Kind] = kk
		}
		kk[k] = struct{}{}
	}
	locs[sk] = struct{}{}

	byKey := ix.entity[sk.Entity]
	if byKey == nil {
		byKey = map[items.Key]map[int]struct{}{}
		ix.entity[sk.Entity] = byKey
	}
	idx := byKey[k]
	if idx == nil {
		idx = map[int]struct{}{}
		byKey[k] = idx
	}
	idx[sk.Index] = struct{}{}
	ix.indexed[sk] = k
}

func (ix *Index) unfile(sk inventory.SlotKey) {
	k, ok := ix.indexed[sk]
	if !ok {
		return
	}
	delete(ix.indexed, sk)
	ix.drop(sk, k)
}

func (ix *Index) drop(sk inventory.SlotKey, k items.Key) {
	if locs := ix.global[k]; locs != nil {
		delete(locs, sk)
		if len(locs) == 0 {
			delete(ix.global, k)
			if kk := ix.kinds[k.Kind]; kk != nil {
				delete(kk, k)
				if len(kk) == 0 {
					delete(ix.kinds, k.Kind)
				}
			}
		}
	}
	if byKey := ix.entity[sk.Entity]; byKey != nil {
		if idx := byKey[k]; idx != nil {
			delete(idx, sk.Index)
			if len(idx) == 0 {
				delete(byKey, k)
			}
		}
		if len(byKey) == 0 {
			delete(ix.entity, sk.Entity)
		}
	}
}

// RemoveEntity drops every snapshot and index entry of one entity.
func (ix *Index) RemoveEntity(id inventory.EntityID) int {
	slots := ix.store[id]
	for i := range slots {
		ix.unfile(inventory.SlotKey{Entity: id, Index: i})
	}
	delete(ix.store, id)
	return len(slots)
}

// ClearZero removes index entries on entity id, filed under any of keys,
// whose snapshot no longer holds that key with positive quantity.
func (ix *Index) ClearZero(id inventory.EntityID, keys []items.Key) int {
	byKey := ix.entity[id]
	if byKey == nil {
		return 0
	}
	removed := 0
	for _, k := range keys {
		for i := range byKey[k] {
			s, ok := ix.store[id][i]
			if ok && s.Holds() && s.Key == k {
				continue
			}
			sk := inventory.SlotKey{Entity: id, Index: i}
			if ix.indexed[sk] == k {
				delete(ix.indexed, sk)
			}
			ix.drop(sk, k)
			removed++
		}
		// drop may have deleted the entity map entirely.
		if byKey = ix.entity[id]; byKey == nil {
			break
		}
	}
	return removed
}

func (ix *Index) Snapshot(sk inventory.SlotKey) (inventory.Snapshot, bool) {
	s, ok := ix.store[sk.Entity][sk.Index]
	return s, ok
}

// Slots returns the stored snapshots of one entity ordered by slot index.
func (ix *Index) Slots(id inventory.EntityID) []inventory.Snapshot {
	slots := ix.store[id]
	if len(slots) == 0 {
		return nil
	}
	out := make([]inventory.Snapshot, 0, len(slots))
	for _, s := range slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// EntityLocations returns the slot indices on id filed under k, ascending.
func (ix *Index) EntityLocations(id inventory.EntityID, k items.Key) []int {
	idx := ix.entity[id][k]
	if len(idx) == 0 {
		return nil
	}
	out := make([]int, 0, len(idx))
	for i := range idx {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Holders returns the entities that have at least one slot filed under k.
func (ix *Index) Holders(k items.Key) map[inventory.EntityID]struct{} {
	locs := ix.global[k]
	if len(locs) == 0 {
		return nil
	}
	out := make(map[inventory.EntityID]struct{}, len(locs))
	for sk := range locs {
		out[sk.Entity] = struct{}{}
	}
	return out
}

// Has reports whether any slot is filed under k.
func (ix *Index) Has(k items.Key) bool { return len(ix.global[k]) > 0 }

// MatchingKeys returns every indexed key that satisfies want under tol,
// in a stable order.
func (ix *Index) MatchingKeys(want items.Key, tol items.Tolerance) []items.Key {
	var out []items.Key
	if want.IsWildcard() {
		for k := range ix.global {
			if k.Matches(want, tol) {
				out = append(out, k)
			}
		}
	} else {
		for k := range ix.kinds[want.Kind] {
			if k.Matches(want, tol) {
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (ix *Index) Entities() int { return len(ix.store) }

func (ix *Index) Keys() int { return len(ix.global) }

// Len returns the number of filed locations.
func (ix *Index) Len() int { return len(ix.indexed) }

// Export flattens the reverse index into sorted slot lists per key.
func (ix *Index) Export() map[items.Key][]inventory.SlotKey {
	out := make(map[items.Key][]inventory.SlotKey, len(ix.global))
	for k, locs := range ix.global {
		list := make([]inventory.SlotKey, 0, len(locs))
		for sk := range locs {
			list = append(list, sk)
		}
		sort.Slice(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if a.Entity != b.Entity {
				return a.Entity.String() < b.Entity.String()
			}
			return a.Index < b.Index
		})
		out[k] = list
	}
	return out
}

// Reset releases every owned map.
func (ix *Index) Reset() {
	*ix = *New()
}
