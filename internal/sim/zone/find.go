package zone

import (
	"sort"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/sched"
)

// Source is one entity whose slots together cover a requested quantity.
type Source struct {
	Entity inventory.EntityID
	Slots  []inventory.Snapshot
	Total  int
}

type SlotGrant struct {
	Slot     inventory.SlotKey
	Capacity int
}

type Destination struct {
	Entity  inventory.EntityID
	Slots   []SlotGrant
	Granted int
}

type ItemRequest struct {
	Key       items.Key
	Needed    int
	Tolerance items.Tolerance
}

type FindResult struct {
	Request ItemRequest
	Source  Source
	Found   bool
}

func sourceKind(k inventory.EntityKind) bool {
	return k == inventory.KindStorage || k == inventory.KindStation || k == inventory.KindLoadingDock
}

// FindItem returns the first entity, in registration order, whose unlocked
// source slots hold at least needed units matching key under tol. A miss is
// remembered until a matching stack shows up in the index.
func (z *Zone) FindItem(key items.Key, needed int, tol items.Tolerance) (Source, bool) {
	if needed <= 0 || key.IsEmpty() {
		z.logger.Printf("zone %s: find %q x%d: %v", z.cfg.ID, key.String(), needed, ErrInvalidInput)
		return Source{}, false
	}
	if z.closed.Load() {
		return Source{}, false
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	nk := notFoundKey{Key: key, Tol: tol}
	if z.notFound.Has(nk) {
		return Source{}, false
	}
	src, ok := z.findItemLocked(key, needed, tol)
	if !ok {
		z.notFound.Add(nk)
	}
	return src, ok
}

// findItemLocked only reads zone state; it runs on scheduler workers during
// FindItems while the caller holds the zone lock.
func (z *Zone) findItemLocked(key items.Key, needed int, tol items.Tolerance) (Source, bool) {
	keys := z.ix.MatchingKeys(key, tol)
	if len(keys) == 0 {
		return Source{}, false
	}
	var cands []*entity
	seen := map[inventory.EntityID]struct{}{}
	for _, k := range keys {
		for id := range z.ix.Holders(k) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if e := z.entities[id]; e != nil && sourceKind(e.kind) {
				cands = append(cands, e)
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].seq < cands[j].seq })

	for _, e := range cands {
		src := Source{Entity: e.id}
		for _, k := range keys {
			for _, i := range z.ix.EntityLocations(e.id, k) {
				s, ok := z.ix.Snapshot(inventory.SlotKey{Entity: e.id, Index: i})
				if !ok || !s.Holds() || s.Locked || !s.Role.Source() || !s.Key.Matches(key, tol) {
					continue
				}
				if z.table.Held(s.SlotKey()) {
					continue
				}
				src.Slots = append(src.Slots, s)
				src.Total += s.Quantity
				if src.Total >= needed {
					return src, true
				}
			}
		}
	}
	return Source{}, false
}

func (z *Zone) availableLocked(key items.Key, tol items.Tolerance) bool {
	_, ok := z.findItemLocked(key, 1, tol)
	return ok
}

type probe struct {
	i   int
	req ItemRequest
	res FindResult
}

// FindItems runs many FindItem probes as one bulk operation and waits for
// the result. Results are in request order.
func (z *Zone) FindItems(reqs []ItemRequest) []FindResult {
	out := make([]FindResult, len(reqs))
	if len(reqs) == 0 || z.closed.Load() {
		return out
	}
	z.mu.Lock()
	defer z.mu.Unlock()

	probes := make([]probe, 0, len(reqs))
	for i, r := range reqs {
		out[i].Request = r
		if r.Needed <= 0 || r.Key.IsEmpty() {
			continue
		}
		if z.notFound.Has(notFoundKey{Key: r.Key, Tol: r.Tolerance}) {
			continue
		}
		probes = append(probes, probe{i: i, req: r})
	}
	job := sched.Submit(z.sched, OpFindItems, probes, func(p probe) probe {
		p.res.Source, p.res.Found = z.findItemLocked(p.req.Key, p.req.Needed, p.req.Tolerance)
		return p
	}, func(done []probe) {
		for _, p := range done {
			out[p.i].Source, out[p.i].Found = p.res.Source, p.res.Found
			if !p.res.Found {
				z.notFound.Add(notFoundKey{Key: p.req.Key, Tol: p.req.Tolerance})
			}
		}
	})
	z.sched.Wait(job)
	return out
}

// FindAvailableSlots lists unlocked slots on one entity with room for key,
// granting capacity until qty is covered.
func (z *Zone) FindAvailableSlots(id inventory.EntityID, key items.Key, qty int) []SlotGrant {
	if qty <= 0 || key.IsEmpty() || key.IsWildcard() {
		return nil
	}
	z.mu.RLock()
	defer z.mu.RUnlock()
	if _, ok := z.entities[id]; !ok {
		return nil
	}
	grants, _ := z.grantLocked(id, key, qty, func(inventory.Role) bool { return true })
	return grants
}

func (z *Zone) grantLocked(id inventory.EntityID, key items.Key, qty int, role func(inventory.Role) bool) ([]SlotGrant, int) {
	var grants []SlotGrant
	total := 0
	for _, s := range z.ix.Slots(id) {
		if total >= qty {
			break
		}
		if !s.Valid || s.Locked || !role(s.Role) || z.table.Held(s.SlotKey()) {
			continue
		}
		free := s.Capacity(key, z.limits)
		if free <= 0 {
			continue
		}
		g := min(free, qty-total)
		grants = append(grants, SlotGrant{Slot: s.SlotKey(), Capacity: g})
		total += g
	}
	return grants, total
}

// FindDeliveryDestination allocates qty units of key to destinations in
// priority order: idle stations taking the item as input, entities
// configured for this item, then entities taking anything. exclude is
// skipped in the last two groups only.
func (z *Zone) FindDeliveryDestination(key items.Key, qty int, exclude inventory.EntityID) []Destination {
	if qty <= 0 || key.IsEmpty() || key.IsWildcard() {
		z.logger.Printf("zone %s: deliver %q x%d: %v", z.cfg.ID, key.String(), qty, ErrInvalidInput)
		return nil
	}
	if z.closed.Load() {
		return nil
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.noDrop.Has(key) {
		return nil
	}

	var stations, specific, anyItem []*entity
	for _, id := range z.order {
		e := z.entities[id]
		switch {
		case e.kind == inventory.KindStation:
			if !e.busy && e.policy.Accepts(key) {
				stations = append(stations, e)
			}
		case e.id == exclude:
			// excluded source
		case e.policy.Mode == AcceptSpecific && e.policy.Accepts(key):
			specific = append(specific, e)
		case e.policy.Mode == AcceptAny:
			anyItem = append(anyItem, e)
		}
	}

	var dests []Destination
	remaining := qty
	for _, group := range [][]*entity{stations, specific, anyItem} {
		for _, e := range group {
			if remaining <= 0 {
				break
			}
			grants, n := z.grantLocked(e.id, key, remaining, inventory.Role.Sink)
			if n == 0 {
				continue
			}
			dests = append(dests, Destination{Entity: e.id, Slots: grants, Granted: n})
			remaining -= n
		}
	}
	if len(dests) == 0 {
		z.noDrop.Add(key)
	} else {
		z.noDrop.Remove(key)
	}
	return dests
}
