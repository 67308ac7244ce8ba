// Package disabled tracks entities switched off for lack of an input item.
package disabled

import (
	"errors"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
)

type Mode uint8

const (
	AnyOf Mode = iota
	AllOf
)

func (m Mode) String() string {
	if m == AllOf {
		return "all"
	}
	return "any"
}

type Reason uint8

const (
	MissingItem Reason = iota + 1
)

type Record struct {
	Entity    inventory.EntityID
	ActionID  string
	Reason    Reason
	Required  []items.Key
	Mode      Mode
	Tolerance items.Tolerance
}

var ErrNoRequirements = errors.New("disabled record without required items")

// Registry is not safe for concurrent use.
type Registry struct {
	recs  map[inventory.EntityID]Record
	order []inventory.EntityID
}

func New() *Registry {
	return &Registry{recs: map[inventory.EntityID]Record{}}
}

// Disable stores rec, replacing an earlier record for the same entity.
func (r *Registry) Disable(rec Record) error {
	if len(rec.Required) == 0 {
		return ErrNoRequirements
	}
	if rec.Reason == 0 {
		rec.Reason = MissingItem
	}
	rec.Required = append([]items.Key(nil), rec.Required...)
	if _, ok := r.recs[rec.Entity]; !ok {
		r.order = append(r.order, rec.Entity)
	}
	r.recs[rec.Entity] = rec
	return nil
}

func (r *Registry) Enable(id inventory.EntityID) (Record, bool) {
	rec, ok := r.recs[id]
	if !ok {
		return Record{}, false
	}
	delete(r.recs, id)
	for i, e := range r.order {
		if e == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return rec, true
}

func (r *Registry) Get(id inventory.EntityID) (Record, bool) {
	rec, ok := r.recs[id]
	return rec, ok
}

func (r *Registry) Len() int { return len(r.recs) }

// Observe reacts to key k becoming available with positive quantity. Any-of
// records are satisfied when k matches one requirement. All-of records
// additionally need every other requirement to be available per avail.
// Satisfied records are removed and returned in disable order.
func (r *Registry) Observe(k items.Key, avail func(items.Key, items.Tolerance) bool) []Record {
	if len(r.recs) == 0 || k.IsEmpty() {
		return nil
	}
	var done []Record
	for _, id := range r.order {
		rec := r.recs[id]
		if rec.Reason != MissingItem || !satisfied(rec, k, avail) {
			continue
		}
		done = append(done, rec)
	}
	for _, rec := range done {
		r.Enable(rec.Entity)
	}
	return done
}

func satisfied(rec Record, k items.Key, avail func(items.Key, items.Tolerance) bool) bool {
	hit := false
	for _, want := range rec.Required {
		if k.Matches(want, rec.Tolerance) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	if rec.Mode == AnyOf {
		return true
	}
	for _, want := range rec.Required {
		if k.Matches(want, rec.Tolerance) {
			continue
		}
		if avail == nil || !avail(want, rec.Tolerance) {
			return false
		}
	}
	return true
}

func (r *Registry) Reset() {
	clear(r.recs)
	r.order = nil
}
