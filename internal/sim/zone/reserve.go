package zone

import (
	"errors"
	"fmt"
	"time"

	"stockroom.ai/internal/sim/cache/reservation"
	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
)

// Reserve claims one slot for holder and locks it. It fails when the slot is
// already claimed or not registered.
func (z *Zone) Reserve(sk inventory.SlotKey, holder, reason string, key items.Key, qty int) bool {
	_, err := z.reserve(sk, holder, reason, key, qty)
	return err == nil
}

func (z *Zone) reserve(sk inventory.SlotKey, holder, reason string, key items.Key, qty int) (*inventory.Slot, error) {
	if z.closed.Load() {
		return nil, ErrZoneClosed
	}
	s, err := z.liveSlot(sk)
	if err != nil {
		return nil, err
	}
	r, ok := z.table.Reserve(reservation.Reservation{
		Slot:     sk,
		Holder:   holder,
		Reason:   reason,
		Key:      key,
		Quantity: qty,
	})
	if !ok {
		z.conflicts.Add(1)
		z.writeAudit(AuditEntry{
			Actor:  holder,
			Action: "RESERVE_CONFLICT",
			Entity: sk.Entity.String(),
			Slot:   sk.Index,
			Item:   key.String(),
			Code:   "E_CONFLICT",
			Reason: reason,
			Details: map[string]any{
				"held_by": r.Holder,
			},
		})
		return nil, fmt.Errorf("%w: %s held by %s", ErrReservationConflict, sk, r.Holder)
	}
	s.ApplyLock(holder, reason)
	return s, nil
}

// Release drops the claim on sk and unlocks the slot.
func (z *Zone) Release(sk inventory.SlotKey) bool {
	r, ok := z.table.Release(sk)
	if !ok {
		return false
	}
	if s, err := z.liveSlot(sk); err == nil {
		s.ReleaseLock(r.Holder)
	}
	return true
}

func (z *Zone) Reservation(sk inventory.SlotKey) (reservation.Reservation, bool) {
	return z.table.Get(sk)
}

func (z *Zone) Reservations() []reservation.Reservation { return z.table.List() }

// StaleReservations lists claims held for at least olderThan. Nothing is
// released automatically.
func (z *Zone) StaleReservations(olderThan time.Duration) []reservation.Reservation {
	return z.table.Stale(olderThan)
}

// Op is one insert or remove in a batch.
type Op struct {
	Slot     inventory.SlotKey
	Key      items.Key
	Quantity int
	Insert   bool
	Holder   string
	Reason   string
}

func (op Op) verb() string {
	if op.Insert {
		return "insert"
	}
	return "remove"
}

type BatchError struct {
	Index int
	Op    Op
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch op %d (%s %d %s on %s): %v", e.Index, e.Op.verb(), e.Op.Quantity, e.Op.Key, e.Op.Slot, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// ExecuteBatch applies every op or none. Each target slot is reserved and
// then validated in caller order; the first failure releases every claim
// taken so far and nothing is mutated. On success all mutations are applied
// before the claims are released. The index catches up on the next apply.
func (z *Zone) ExecuteBatch(ops []Op) error {
	if len(ops) == 0 {
		err := fmt.Errorf("%w: empty batch", ErrInvalidInput)
		z.reject(-1, Op{}, err)
		return err
	}
	held := make([]*inventory.Slot, 0, len(ops))
	rollback := func() {
		for i := range held {
			z.table.Release(ops[i].Slot)
			held[i].ReleaseLock(ops[i].Holder)
		}
	}
	for i, op := range ops {
		s, err := z.prepare(op)
		if err != nil {
			rollback()
			return z.reject(i, op, err)
		}
		held = append(held, s)
	}

	for i, op := range ops {
		if err := commit(held[i], op); err != nil {
			// Only a mutation that bypassed the reservation table gets here.
			for j := i - 1; j >= 0; j-- {
				undo := ops[j]
				undo.Insert = !undo.Insert
				if uerr := commit(held[j], undo); uerr != nil {
					z.logger.Printf("zone %s: batch undo op %d: %v", z.cfg.ID, j, uerr)
				}
			}
			rollback()
			return z.reject(i, op, mapSlotErr(err))
		}
	}
	rollback()
	z.commits.Add(1)
	z.writeAudit(AuditEntry{
		Actor:   ops[0].Holder,
		Action:  "BATCH_COMMIT",
		Slot:    -1,
		Reason:  ops[0].Reason,
		Details: map[string]any{"ops": len(ops)},
	})
	return nil
}

// TryBatch is ExecuteBatch reporting only success.
func (z *Zone) TryBatch(ops []Op) bool { return z.ExecuteBatch(ops) == nil }

func (z *Zone) prepare(op Op) (*inventory.Slot, error) {
	if op.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", ErrInvalidInput, op.Quantity)
	}
	if op.Key.IsEmpty() || op.Key.IsWildcard() {
		return nil, fmt.Errorf("%w: item %q", ErrInvalidInput, op.Key.String())
	}
	s, err := z.reserve(op.Slot, op.Holder, op.Reason, op.Key, op.Quantity)
	if err != nil {
		return nil, err
	}
	if op.Insert {
		err = s.CheckInsert(op.Key, op.Quantity)
	} else {
		err = s.CheckRemove(op.Key, op.Quantity)
	}
	if err != nil {
		z.table.Release(op.Slot)
		s.ReleaseLock(op.Holder)
		return nil, mapSlotErr(err)
	}
	return s, nil
}

func commit(s *inventory.Slot, op Op) error {
	if op.Insert {
		return s.Insert(op.Key, op.Quantity)
	}
	return s.Remove(op.Key, op.Quantity)
}

func mapSlotErr(err error) error {
	switch {
	case errors.Is(err, inventory.ErrCapacity):
		return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
	case errors.Is(err, inventory.ErrIdentity):
		return fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	case errors.Is(err, inventory.ErrInsufficient):
		return fmt.Errorf("%w: %v", ErrInsufficientQuantity, err)
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "E_INVALID_INPUT"
	case errors.Is(err, ErrReservationConflict):
		return "E_CONFLICT"
	case errors.Is(err, ErrCapacityExceeded):
		return "E_CAPACITY"
	case errors.Is(err, ErrIdentityMismatch):
		return "E_IDENTITY"
	case errors.Is(err, ErrInsufficientQuantity):
		return "E_INSUFFICIENT"
	case errors.Is(err, ErrEntityNotRegistered), errors.Is(err, ErrSlotNotFound):
		return "E_NOT_REGISTERED"
	case errors.Is(err, ErrZoneClosed):
		return "E_CLOSED"
	}
	return "E_INTERNAL"
}

func (z *Zone) reject(i int, op Op, err error) error {
	z.rejects.Add(1)
	z.logger.Printf("zone %s: batch rejected at op %d: %v", z.cfg.ID, i, err)
	e := AuditEntry{
		Actor:    op.Holder,
		Action:   "BATCH_REJECT",
		Slot:     op.Slot.Index,
		Item:     op.Key.String(),
		Quantity: op.Quantity,
		Code:     errorCode(err),
		Reason:   err.Error(),
		Details:  map[string]any{"op_index": i, "op": op.verb()},
	}
	if op.Slot.Entity != (inventory.EntityID{}) {
		e.Entity = op.Slot.Entity.String()
	}
	z.writeAudit(e)
	if i < 0 {
		return err
	}
	return &BatchError{Index: i, Op: op, Err: err}
}
