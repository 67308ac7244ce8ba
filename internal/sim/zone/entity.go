package zone

import (
	"fmt"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
)

type AcceptMode uint8

const (
	AcceptNone AcceptMode = iota
	AcceptAny
	AcceptSpecific
)

func (m AcceptMode) String() string {
	switch m {
	case AcceptAny:
		return "any"
	case AcceptSpecific:
		return "specific"
	default:
		return "none"
	}
}

// AcceptPolicy says which items an entity takes as deliveries. For stations
// Items is the refill list and may contain the wildcard kind.
type AcceptPolicy struct {
	Mode      AcceptMode
	Items     []items.Key
	Tolerance items.Tolerance
}

func (p AcceptPolicy) Accepts(k items.Key) bool {
	switch p.Mode {
	case AcceptAny:
		return true
	case AcceptSpecific:
		for _, want := range p.Items {
			if k.Matches(want, p.Tolerance) {
				return true
			}
		}
	}
	return false
}

type EntitySpec struct {
	ID     inventory.EntityID
	Kind   inventory.EntityKind
	Slots  []*inventory.Slot
	Policy AcceptPolicy
	Busy   bool
}

type entity struct {
	seq    uint64
	id     inventory.EntityID
	kind   inventory.EntityKind
	slots  []*inventory.Slot
	policy AcceptPolicy
	busy   bool
}

// RegisterEntity adds an entity and indexes its current slots before
// returning. Registering a known id replaces the earlier registration.
func (z *Zone) RegisterEntity(spec EntitySpec) error {
	if z.closed.Load() {
		return ErrZoneClosed
	}
	if err := validateSpec(spec); err != nil {
		z.logger.Printf("zone %s: register %s: %v", z.cfg.ID, spec.ID, err)
		z.writeAudit(AuditEntry{Action: "REGISTER_REJECT", Entity: spec.ID.String(), Code: "E_INVALID_INPUT", Reason: err.Error()})
		return err
	}
	e := &entity{
		seq:    z.seq.Add(1),
		id:     spec.ID,
		kind:   spec.Kind,
		slots:  append([]*inventory.Slot(nil), spec.Slots...),
		policy: copyPolicy(spec.Policy),
		busy:   spec.Busy,
	}

	z.mu.Lock()
	z.sched.Drain()
	if _, ok := z.entities[spec.ID]; ok {
		z.unregisterLocked(spec.ID)
	}
	z.entities[e.id] = e
	z.order = append(z.order, e.id)
	for _, s := range e.slots {
		s.Bind(z)
	}
	// Initial population waits for the index to reflect the entity.
	changes := make([]inventory.Change, len(e.slots))
	for i, s := range e.slots {
		changes[i] = inventory.Change{Kind: inventory.ChangeAdded, Slot: s.Snapshot()}
	}
	z.sched.Wait(z.submitApplyLocked(changes))
	z.invalidateNoDropForLocked(e)
	z.publishMetricsLocked()
	fired := z.takeFiredLocked()
	z.mu.Unlock()
	z.fire(fired)
	return nil
}

func validateSpec(spec EntitySpec) error {
	if spec.ID == (inventory.EntityID{}) {
		return fmt.Errorf("%w: nil entity id", ErrInvalidInput)
	}
	if len(spec.Slots) == 0 {
		return fmt.Errorf("%w: empty slot list", ErrInvalidInput)
	}
	if spec.Kind == 0 {
		return fmt.Errorf("%w: missing entity kind", ErrInvalidInput)
	}
	seen := make(map[int]struct{}, len(spec.Slots))
	for _, s := range spec.Slots {
		if s == nil {
			return fmt.Errorf("%w: nil slot", ErrInvalidInput)
		}
		if s.Owner() != spec.ID {
			return fmt.Errorf("%w: slot %d owned by %s", ErrInvalidInput, s.Index(), s.Owner())
		}
		if _, dup := seen[s.Index()]; dup {
			return fmt.Errorf("%w: duplicate slot index %d", ErrInvalidInput, s.Index())
		}
		seen[s.Index()] = struct{}{}
	}
	return nil
}

func copyPolicy(p AcceptPolicy) AcceptPolicy {
	p.Items = append([]items.Key(nil), p.Items...)
	return p
}

func (z *Zone) UnregisterEntity(id inventory.EntityID) error {
	if z.closed.Load() {
		return ErrZoneClosed
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.entities[id]; !ok {
		return ErrEntityNotRegistered
	}
	z.unregisterLocked(id)
	z.publishMetricsLocked()
	return nil
}

func (z *Zone) unregisterLocked(id inventory.EntityID) {
	e := z.entities[id]
	for _, s := range e.slots {
		s.Bind(nil)
	}
	for _, r := range z.table.ReleaseEntity(id) {
		if s := e.slot(r.Slot.Index); s != nil {
			s.RemoveLock()
		}
	}
	delete(z.entities, id)
	for i, o := range z.order {
		if o == id {
			z.order = append(z.order[:i], z.order[i+1:]...)
			break
		}
	}
	z.ix.RemoveEntity(id)
	z.disabled.Enable(id)

	z.qmu.Lock()
	kept := z.pending[:0]
	for _, c := range z.pending {
		if c.Slot.Entity != id {
			kept = append(kept, c)
		}
	}
	z.pending = kept
	z.reindexQueueLocked()
	z.qmu.Unlock()
}

func (e *entity) slot(i int) *inventory.Slot {
	for _, s := range e.slots {
		if s.Index() == i {
			return s
		}
	}
	return nil
}

func (z *Zone) slotLocked(sk inventory.SlotKey) *inventory.Slot {
	e := z.entities[sk.Entity]
	if e == nil {
		return nil
	}
	return e.slot(sk.Index)
}

// liveSlot resolves a slot key to the live slot.
func (z *Zone) liveSlot(sk inventory.SlotKey) (*inventory.Slot, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	e := z.entities[sk.Entity]
	if e == nil {
		return nil, ErrEntityNotRegistered
	}
	s := e.slot(sk.Index)
	if s == nil {
		return nil, ErrSlotNotFound
	}
	return s, nil
}

// SetStationBusy marks a station as in use. Busy stations are skipped as
// delivery destinations.
func (z *Zone) SetStationBusy(id inventory.EntityID, busy bool) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	e := z.entities[id]
	if e == nil {
		return ErrEntityNotRegistered
	}
	if e.kind != inventory.KindStation {
		return fmt.Errorf("%w: %s is a %s", ErrInvalidInput, id, e.kind)
	}
	e.busy = busy
	if !busy {
		z.invalidateNoDropForLocked(e)
	}
	return nil
}

func (z *Zone) SetAcceptPolicy(id inventory.EntityID, p AcceptPolicy) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	e := z.entities[id]
	if e == nil {
		return ErrEntityNotRegistered
	}
	e.policy = copyPolicy(p)
	z.invalidateNoDropForLocked(e)
	return nil
}

// Entities returns registered entity ids in registration order.
func (z *Zone) Entities() []inventory.EntityID {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return append([]inventory.EntityID(nil), z.order...)
}

// Slots returns the indexed snapshots of one entity.
func (z *Zone) Slots(id inventory.EntityID) []inventory.Snapshot {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.ix.Slots(id)
}
