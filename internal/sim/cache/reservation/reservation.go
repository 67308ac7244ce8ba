// Package reservation is the per-zone table of slot claims.
//
// The table is the single source of truth for whether a slot is claimed.
// Timestamps are advisory; nothing expires on its own.
package reservation

import (
	"sort"
	"sync"
	"time"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
)

type Reservation struct {
	Slot     inventory.SlotKey
	Holder   string
	Reason   string
	Key      items.Key
	Quantity int
	At       time.Time
}

type Table struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[inventory.SlotKey]Reservation
}

// New returns an empty table. A nil clock uses time.Now.
func New(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{now: now, m: map[inventory.SlotKey]Reservation{}}
}

// Reserve records r unless its slot is already claimed. At is set from the
// table clock.
func (t *Table) Reserve(r Reservation) (Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.m[r.Slot]; ok {
		return cur, false
	}
	r.At = t.now()
	t.m[r.Slot] = r
	return r, true
}

func (t *Table) Release(sk inventory.SlotKey) (Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.m[sk]
	if ok {
		delete(t.m, sk)
	}
	return r, ok
}

func (t *Table) Get(sk inventory.SlotKey) (Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.m[sk]
	return r, ok
}

func (t *Table) Held(sk inventory.SlotKey) bool {
	_, ok := t.Get(sk)
	return ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// List returns all reservations, oldest first.
func (t *Table) List() []Reservation {
	t.mu.Lock()
	out := make([]Reservation, 0, len(t.m))
	for _, r := range t.m {
		out = append(out, r)
	}
	t.mu.Unlock()
	sortByAge(out)
	return out
}

// Stale returns reservations held for at least olderThan, oldest first.
func (t *Table) Stale(olderThan time.Duration) []Reservation {
	t.mu.Lock()
	cutoff := t.now().Add(-olderThan)
	var out []Reservation
	for _, r := range t.m {
		if !r.At.After(cutoff) {
			out = append(out, r)
		}
	}
	t.mu.Unlock()
	sortByAge(out)
	return out
}

// ReleaseEntity drops every claim on slots of one entity.
func (t *Table) ReleaseEntity(id inventory.EntityID) []Reservation {
	t.mu.Lock()
	var out []Reservation
	for sk, r := range t.m {
		if sk.Entity == id {
			out = append(out, r)
			delete(t.m, sk)
		}
	}
	t.mu.Unlock()
	sortByAge(out)
	return out
}

func (t *Table) Reset() {
	t.mu.Lock()
	clear(t.m)
	t.mu.Unlock()
}

func sortByAge(rs []Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].At.Equal(rs[j].At) {
			return rs[i].At.Before(rs[j].At)
		}
		if rs[i].Slot.Entity != rs[j].Slot.Entity {
			return rs[i].Slot.Entity.String() < rs[j].Slot.Entity.String()
		}
		return rs[i].Slot.Index < rs[j].Slot.Index
	})
}
