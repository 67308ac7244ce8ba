// Package zone is the per-zone slot cache: snapshot store, reverse index,
// negative caches, reservations and the transactional batch executor.
//
// Live slots report mutations through NotifySlotChanged; the zone queues them
// and folds them into its index on Tick or Flush. Searches read the index,
// which may trail the live slots by one apply cycle.
package zone

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"stockroom.ai/internal/sim/cache/disabled"
	"stockroom.ai/internal/sim/cache/index"
	"stockroom.ai/internal/sim/cache/negcache"
	"stockroom.ai/internal/sim/cache/reservation"
	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/sched"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrReservationConflict  = errors.New("slot already reserved")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrIdentityMismatch     = errors.New("item identity mismatch")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrEntityNotRegistered  = errors.New("entity not registered")
	ErrSlotNotFound         = errors.New("slot not found")
	ErrZoneClosed           = errors.New("zone closed")
)

// Operation ids used for scheduler profiling.
const (
	OpApply     = "zone.apply"
	OpFindItems = "zone.find_items"
)

type Config struct {
	ID string

	Sched    sched.Config
	Profiler *sched.Profiler // shared across zones when set

	// LeakAge is the age after which a reservation is reported as stale.
	LeakAge         time.Duration
	LeakReportEvery uint64 // ticks
	PendingLimit    int

	Now func() time.Time
}

type AuditEntry struct {
	Tick     uint64         `json:"tick"`
	Zone     string         `json:"zone"`
	Actor    string         `json:"actor,omitempty"`
	Action   string         `json:"action"` // e.g. "BATCH_REJECT"
	Entity   string         `json:"entity,omitempty"`
	Slot     int            `json:"slot"`
	Item     string         `json:"item,omitempty"`
	Quantity int            `json:"quantity,omitempty"`
	Code     string         `json:"code,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type Reactivation struct {
	Zone     string
	Entity   inventory.EntityID
	ActionID string
	Key      items.Key
	Tick     uint64
}

type notFoundKey struct {
	Key items.Key
	Tol items.Tolerance
}

type Zone struct {
	cfg    Config
	limits inventory.StackLimiter
	logger *log.Logger
	audit  AuditLogger
	now    func() time.Time

	closed atomic.Bool
	tick   atomic.Uint64
	seq    atomic.Uint64

	mu       sync.RWMutex
	entities map[inventory.EntityID]*entity
	order    []inventory.EntityID
	ix       *index.Index
	notFound *negcache.Set[notFoundKey]
	noDrop   *negcache.Set[items.Key]
	disabled *disabled.Registry
	sched    *sched.Scheduler
	applyJob *sched.Job
	applied  uint64
	resyncs  uint64
	applyDur time.Duration
	fired    []Reactivation
	hooks    []func(Reactivation)

	qmu      sync.Mutex
	pending  []inventory.Change
	queued   map[inventory.SlotKey]int
	overflow bool

	table *reservation.Table

	commits   atomic.Uint64
	rejects   atomic.Uint64
	conflicts atomic.Uint64

	metrics atomic.Value // Metrics
}

// New creates an empty zone. limits supplies per-item stack limits for
// capacity checks; logger may be nil.
func New(cfg Config, limits inventory.StackLimiter, logger *log.Logger) *Zone {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 65536
	}
	z := &Zone{
		cfg:      cfg,
		limits:   limits,
		logger:   logger,
		now:      now,
		entities: map[inventory.EntityID]*entity{},
		ix:       index.New(),
		notFound: negcache.New[notFoundKey](),
		noDrop:   negcache.New[items.Key](),
		disabled: disabled.New(),
		sched:    sched.New(cfg.Sched, cfg.Profiler),
		queued:   map[inventory.SlotKey]int{},
		table:    reservation.New(now),
	}
	z.metrics.Store(Metrics{Zone: cfg.ID})
	return z
}

func (z *Zone) ID() string { return z.cfg.ID }

func (z *Zone) SetAuditLogger(l AuditLogger) { z.audit = l }

// OnReactivate registers fn to be told when a disabled entity may be
// re-enabled. fn runs without zone locks held and may call back into the zone.
func (z *Zone) OnReactivate(fn func(Reactivation)) {
	z.mu.Lock()
	z.hooks = append(z.hooks, fn)
	z.mu.Unlock()
}

func (z *Zone) Tick() {
	if z.closed.Load() {
		return
	}
	z.mu.Lock()
	t := z.tick.Add(1)
	start := time.Now()
	z.startApplyLocked()
	z.sched.Tick()
	z.applyDur = time.Since(start)
	if every := z.cfg.LeakReportEvery; every > 0 && t%every == 0 {
		z.reportLeaksLocked(t)
	}
	z.publishMetricsLocked()
	fired := z.takeFiredLocked()
	z.mu.Unlock()
	z.fire(fired)
}

// Flush applies every queued change and waits for outstanding bulk work.
func (z *Zone) Flush() {
	if z.closed.Load() {
		return
	}
	z.mu.Lock()
	start := time.Now()
	z.flushLocked()
	z.applyDur = time.Since(start)
	z.publishMetricsLocked()
	fired := z.takeFiredLocked()
	z.mu.Unlock()
	z.fire(fired)
}

func (z *Zone) flushLocked() {
	z.sched.Drain()
	z.startApplyLocked()
	z.sched.Drain()
}

// Close releases every owned structure. Live slots are unbound and their
// reservation locks removed.
func (z *Zone) Close() {
	if z.closed.Swap(true) {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.sched.Drain()
	for _, r := range z.table.List() {
		if s := z.slotLocked(r.Slot); s != nil {
			s.Bind(nil)
			s.RemoveLock()
		}
	}
	for _, e := range z.entities {
		for _, s := range e.slots {
			s.Bind(nil)
		}
	}
	z.table.Reset()
	z.ix.Reset()
	z.notFound.Clear()
	z.noDrop.Clear()
	z.disabled.Reset()
	z.entities = map[inventory.EntityID]*entity{}
	z.order = nil
	z.fired = nil

	z.qmu.Lock()
	z.pending = nil
	z.queued = map[inventory.SlotKey]int{}
	z.qmu.Unlock()
	z.logger.Printf("zone %s closed", z.cfg.ID)
}

func (z *Zone) takeFiredLocked() []Reactivation {
	if len(z.fired) == 0 {
		return nil
	}
	out := z.fired
	z.fired = nil
	return out
}

func (z *Zone) fire(rs []Reactivation) {
	if len(rs) == 0 {
		return
	}
	z.mu.RLock()
	hooks := append([]func(Reactivation){}, z.hooks...)
	z.mu.RUnlock()
	for _, r := range rs {
		for _, fn := range hooks {
			fn(r)
		}
	}
}

func (z *Zone) writeAudit(e AuditEntry) {
	if z.audit == nil {
		return
	}
	e.Zone = z.cfg.ID
	e.Tick = z.tick.Load()
	if err := z.audit.WriteAudit(e); err != nil {
		z.logger.Printf("zone %s audit: %v", z.cfg.ID, err)
	}
}

func (z *Zone) reportLeaksLocked(tick uint64) {
	if z.cfg.LeakAge <= 0 {
		return
	}
	for _, r := range z.table.Stale(z.cfg.LeakAge) {
		age := z.now().Sub(r.At)
		z.logger.Printf("zone %s: reservation on %s held by %s for %s (%s)", z.cfg.ID, r.Slot, r.Holder, age.Round(time.Millisecond), r.Reason)
		z.writeAudit(AuditEntry{
			Actor:  r.Holder,
			Action: "RESERVATION_STALE",
			Entity: r.Slot.Entity.String(),
			Slot:   r.Slot.Index,
			Item:   r.Key.String(),
			Reason: r.Reason,
			Details: map[string]any{
				"age_ms": age.Milliseconds(),
				"tick":   tick,
			},
		})
	}
}
