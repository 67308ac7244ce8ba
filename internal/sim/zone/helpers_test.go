package zone

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/sched"
)

var (
	kushPremium = items.Key{Kind: "kush", Quality: items.QualityPremium}
	cocaleaf    = items.Key{Kind: "cocaleaf"}
	baggie      = items.Key{Kind: "baggie"}
)

func eid(name string) inventory.EntityID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

type auditSink struct {
	mu  sync.Mutex
	got []AuditEntry
}

func (a *auditSink) WriteAudit(e AuditEntry) error {
	a.mu.Lock()
	a.got = append(a.got, e)
	a.mu.Unlock()
	return nil
}

func (a *auditSink) actions(action string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	for _, e := range a.got {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type testZone struct {
	*Zone
	t     *testing.T
	cats  *catalogs.Catalogs
	audit *auditSink
}

func newTestZone(t *testing.T, mutate ...func(*Config)) *testZone {
	t.Helper()
	cfg := Config{
		ID:    "Z1",
		Sched: sched.Config{InlineMaxItems: 1 << 20, Workers: 2},
		Now:   func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	cats := catalogs.Default()
	z := New(cfg, &cats.Items, nil)
	sink := &auditSink{}
	z.SetAuditLogger(sink)
	t.Cleanup(z.Close)
	return &testZone{Zone: z, t: t, cats: cats, audit: sink}
}

// slots builds n live slots. limits[i], when given, caps slot i.
func (tz *testZone) slots(id inventory.EntityID, role inventory.Role, n int, limits ...int) []*inventory.Slot {
	out := make([]*inventory.Slot, n)
	for i := range out {
		out[i] = inventory.NewSlot(id, i, role, &tz.cats.Items)
		if i < len(limits) {
			out[i].WithLimit(limits[i])
		}
	}
	return out
}

func (tz *testZone) register(name string, kind inventory.EntityKind, role inventory.Role, policy AcceptPolicy, n int, limits ...int) (inventory.EntityID, []*inventory.Slot) {
	tz.t.Helper()
	id := eid(name)
	ss := tz.slots(id, role, n, limits...)
	if err := tz.RegisterEntity(EntitySpec{ID: id, Kind: kind, Slots: ss, Policy: policy}); err != nil {
		tz.t.Fatalf("register %s: %v", name, err)
	}
	return id, ss
}

func (tz *testZone) insert(s *inventory.Slot, k items.Key, n int) {
	tz.t.Helper()
	if err := s.Insert(k, n); err != nil {
		tz.t.Fatalf("insert %s x%d: %v", k, n, err)
	}
}

func specific(ks ...items.Key) AcceptPolicy {
	return AcceptPolicy{Mode: AcceptSpecific, Items: ks}
}
