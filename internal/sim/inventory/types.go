// Package inventory holds slot identity and the simulation-owned live slot.
//
// Live slots never touch zone structures directly: every mutation is reported
// to the bound Notifier as a Change, which the zone queues and applies later.
package inventory

import (
	"fmt"

	"github.com/google/uuid"

	"stockroom.ai/internal/sim/items"
)

type EntityID = uuid.UUID

func NewEntityID() EntityID { return uuid.New() }

type EntityKind uint8

const (
	KindStorage EntityKind = iota + 1
	KindStation
	KindLoadingDock
	KindAgent
)

func (k EntityKind) String() string {
	switch k {
	case KindStorage:
		return "STORAGE"
	case KindStation:
		return "STATION"
	case KindLoadingDock:
		return "LOADING_DOCK"
	case KindAgent:
		return "AGENT"
	default:
		return fmt.Sprintf("KIND_%d", uint8(k))
	}
}

func ParseEntityKind(s string) (EntityKind, bool) {
	for _, k := range []EntityKind{KindStorage, KindStation, KindLoadingDock, KindAgent} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Role says what a slot is for on its entity. Searches use it to decide which
// slots may be drawn from and which may be delivered into.
type Role uint8

const (
	RoleStorage Role = iota + 1
	RoleInput
	RoleProduct
	RoleOutput
	RoleInventory
)

func (r Role) String() string {
	switch r {
	case RoleStorage:
		return "storage"
	case RoleInput:
		return "input"
	case RoleProduct:
		return "product"
	case RoleOutput:
		return "output"
	case RoleInventory:
		return "inventory"
	default:
		return fmt.Sprintf("role_%d", uint8(r))
	}
}

func ParseRole(s string) (Role, bool) {
	for _, r := range []Role{RoleStorage, RoleInput, RoleProduct, RoleOutput, RoleInventory} {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}

// Source reports whether items may be taken from slots with this role.
func (r Role) Source() bool { return r == RoleStorage || r == RoleOutput }

// Sink reports whether items may be delivered into slots with this role.
func (r Role) Sink() bool { return r == RoleStorage || r == RoleInput }

type SlotKey struct {
	Entity EntityID
	Index  int
}

func (k SlotKey) String() string { return fmt.Sprintf("%s#%d", k.Entity, k.Index) }

type StackLimiter interface {
	StackLimit(items.Key) int
}

// Snapshot is a copy of one slot's state. It is what the zone index stores.
type Snapshot struct {
	Entity     EntityID
	Index      int
	Role       Role
	Key        items.Key
	Quantity   int
	SlotLimit  int // slot-level cap, 0 when only the item stack limit applies
	StackLimit int // effective limit for Key, 0 when empty
	Locked     bool
	Valid      bool
}

func (s Snapshot) SlotKey() SlotKey { return SlotKey{Entity: s.Entity, Index: s.Index} }

// Holds reports whether the snapshot represents a positive stack.
func (s Snapshot) Holds() bool { return s.Valid && s.Quantity > 0 && !s.Key.IsEmpty() }

// Capacity returns how many units of k still fit, ignoring locks.
func (s Snapshot) Capacity(k items.Key, limits StackLimiter) int {
	if !s.Valid || k.IsEmpty() || k.IsWildcard() {
		return 0
	}
	held := s.Key
	if s.Quantity <= 0 {
		held = items.Key{}
	}
	if !items.CanStack(held, k) {
		return 0
	}
	limit := effectiveLimit(k, s.SlotLimit, limits)
	free := limit - max(s.Quantity, 0)
	if free < 0 {
		return 0
	}
	return free
}

func effectiveLimit(k items.Key, slotLimit int, limits StackLimiter) int {
	limit := slotLimit
	if limits != nil {
		if n := limits.StackLimit(k); n > 0 && (limit <= 0 || n < limit) {
			limit = n
		}
	}
	return limit
}

type ChangeKind uint8

const (
	ChangeQuantity ChangeKind = iota + 1
	ChangeSet
	ChangeClear
	ChangeLock
	ChangeUnlock
	ChangeAdded
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeQuantity:
		return "quantity"
	case ChangeSet:
		return "set"
	case ChangeClear:
		return "clear"
	case ChangeLock:
		return "lock"
	case ChangeUnlock:
		return "unlock"
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("change_%d", uint8(k))
	}
}

// Change is one raw slot-mutation event.
type Change struct {
	Kind ChangeKind
	Slot Snapshot
}

type Notifier interface {
	NotifySlotChanged(Change)
}
