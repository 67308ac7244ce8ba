package inventory

import (
	"errors"
	"fmt"
	"sync"

	"stockroom.ai/internal/sim/items"
)

var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrIdentity        = errors.New("item identity mismatch")
	ErrCapacity        = errors.New("stack capacity exceeded")
	ErrInsufficient    = errors.New("insufficient quantity")
)

type Lock struct {
	Holder string
	Reason string
}

// Slot is a live container owned by the simulation. It is safe for
// concurrent use.
type Slot struct {
	mu     sync.Mutex
	owner  EntityID
	index  int
	role   Role
	limit  int
	limits StackLimiter
	stack  items.Stack
	lock   *Lock
	notify Notifier
}

func NewSlot(owner EntityID, index int, role Role, limits StackLimiter) *Slot {
	return &Slot{owner: owner, index: index, role: role, limits: limits}
}

// WithLimit caps the slot below the item stack limit. It must be called
// before the slot is shared.
func (s *Slot) WithLimit(n int) *Slot {
	s.limit = n
	return s
}

func (s *Slot) Owner() EntityID { return s.owner }
func (s *Slot) Index() int      { return s.index }
func (s *Slot) Role() Role      { return s.role }
func (s *Slot) Key() SlotKey    { return SlotKey{Entity: s.owner, Index: s.index} }

// Bind attaches the notifier that receives this slot's changes. Passing nil
// detaches it.
func (s *Slot) Bind(n Notifier) {
	s.mu.Lock()
	s.notify = n
	s.mu.Unlock()
}

func (s *Slot) Stack() items.Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack
}

func (s *Slot) Locked() (Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return Lock{}, false
	}
	return *s.lock, true
}

func (s *Slot) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Slot) snapshotLocked() Snapshot {
	snap := Snapshot{
		Entity:    s.owner,
		Index:     s.index,
		Role:      s.role,
		SlotLimit: s.limit,
		Locked:    s.lock != nil,
		Valid:     true,
	}
	if s.stack.Quantity > 0 && !s.stack.Key.IsEmpty() {
		snap.Key = s.stack.Key
		snap.Quantity = s.stack.Quantity
		snap.StackLimit = effectiveLimit(s.stack.Key, s.limit, s.limits)
	}
	return snap
}

func (s *Slot) Capacity(k items.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked().Capacity(k, s.limits)
}

func (s *Slot) CheckInsert(k items.Key, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkInsertLocked(k, n)
}

func (s *Slot) checkInsertLocked(k items.Key, n int) error {
	if n <= 0 || k.IsEmpty() || k.IsWildcard() {
		return ErrInvalidQuantity
	}
	if s.stack.Quantity > 0 && s.stack.Key != k {
		return fmt.Errorf("%w: slot holds %s, insert %s", ErrIdentity, s.stack.Key, k)
	}
	if free := s.snapshotLocked().Capacity(k, s.limits); free < n {
		return fmt.Errorf("%w: free %d, insert %d", ErrCapacity, free, n)
	}
	return nil
}

func (s *Slot) CheckRemove(k items.Key, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkRemoveLocked(k, n)
}

func (s *Slot) checkRemoveLocked(k items.Key, n int) error {
	if n <= 0 {
		return ErrInvalidQuantity
	}
	if s.stack.Quantity <= 0 || s.stack.Key != k {
		return fmt.Errorf("%w: slot holds %s, remove %s", ErrIdentity, s.stack.Key, k)
	}
	if s.stack.Quantity < n {
		return fmt.Errorf("%w: have %d, remove %d", ErrInsufficient, s.stack.Quantity, n)
	}
	return nil
}

func (s *Slot) Insert(k items.Key, n int) error {
	s.mu.Lock()
	if err := s.checkInsertLocked(k, n); err != nil {
		s.mu.Unlock()
		return err
	}
	kind := ChangeQuantity
	if s.stack.Quantity <= 0 {
		kind = ChangeSet
		s.stack = items.Stack{Key: k}
	}
	s.stack.Quantity += n
	s.emitLocked(kind)
	return nil
}

func (s *Slot) Remove(k items.Key, n int) error {
	s.mu.Lock()
	if err := s.checkRemoveLocked(k, n); err != nil {
		s.mu.Unlock()
		return err
	}
	s.stack.Quantity -= n
	kind := ChangeQuantity
	if s.stack.Quantity == 0 {
		s.stack = items.Stack{}
		kind = ChangeClear
	}
	s.emitLocked(kind)
	return nil
}

// Set replaces the slot contents. A non-positive quantity clears the slot.
func (s *Slot) Set(st items.Stack) error {
	s.mu.Lock()
	if st.Quantity <= 0 || st.Key.IsEmpty() {
		s.stack = items.Stack{}
		s.emitLocked(ChangeClear)
		return nil
	}
	if st.Key.IsWildcard() {
		s.mu.Unlock()
		return ErrInvalidQuantity
	}
	if limit := effectiveLimit(st.Key, s.limit, s.limits); limit > 0 && st.Quantity > limit {
		s.mu.Unlock()
		return fmt.Errorf("%w: limit %d, set %d", ErrCapacity, limit, st.Quantity)
	}
	s.stack = st
	s.emitLocked(ChangeSet)
	return nil
}

func (s *Slot) Clear() {
	s.mu.Lock()
	s.stack = items.Stack{}
	s.emitLocked(ChangeClear)
}

func (s *Slot) ApplyLock(holder, reason string) {
	s.mu.Lock()
	s.lock = &Lock{Holder: holder, Reason: reason}
	s.emitLocked(ChangeLock)
}

func (s *Slot) RemoveLock() {
	s.mu.Lock()
	if s.lock == nil {
		s.mu.Unlock()
		return
	}
	s.lock = nil
	s.emitLocked(ChangeUnlock)
}

// ReleaseLock removes the lock only while holder still owns it. A claim
// taken by another holder in the meantime keeps its lock.
func (s *Slot) ReleaseLock(holder string) bool {
	s.mu.Lock()
	if s.lock == nil || s.lock.Holder != holder {
		s.mu.Unlock()
		return false
	}
	s.lock = nil
	s.emitLocked(ChangeUnlock)
	return true
}

// emitLocked releases s.mu before calling the notifier.
func (s *Slot) emitLocked(kind ChangeKind) {
	n := s.notify
	ch := Change{Kind: kind, Slot: s.snapshotLocked()}
	s.mu.Unlock()
	if n != nil {
		n.NotifySlotChanged(ch)
	}
}
