package multizone

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"stockroom.ai/internal/sim/cache/disabled"
	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/sched"
	"stockroom.ai/internal/sim/tuning"
	"stockroom.ai/internal/sim/zone"
)

type memStore struct {
	mu    sync.Mutex
	saved []sched.Baseline
	saves int
	fail  bool
}

func (s *memStore) SaveProfiles(bs []sched.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.saved = append([]sched.Baseline(nil), bs...)
	s.saves++
	return nil
}

func (s *memStore) LoadProfiles() ([]sched.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sched.Baseline(nil), s.saved...), nil
}

func (s *memStore) find(op string) (sched.Baseline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.saved {
		if b.Op == op {
			return b, true
		}
	}
	return sched.Baseline{}, false
}

func testConfig() Config {
	return Config{
		DefaultZone: "A",
		Zones: []ZoneSpec{
			{ID: "A"},
			{ID: "B", Activate: true, PendingLimit: 16},
			{ID: "C"},
		},
	}
}

func newTestManager(t *testing.T, store ProfileStore) *Manager {
	t.Helper()
	cats := catalogs.Default()
	m, err := NewManager(testConfig(), tuning.Defaults(), &cats.Items, Options{
		Store:           store,
		Now:             func() time.Time { return time.Unix(1_700_000_000, 0) },
		PersistDebounce: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestManager_ActivatesConfiguredZones(t *testing.T) {
	m := newTestManager(t, nil)
	if diff := cmp.Diff([]string{"A", "B"}, m.ZoneIDs()); diff != "" {
		t.Fatalf("active zones (-want +got):\n%s", diff)
	}
	if m.Zone("C") != nil {
		t.Fatalf("C should be inactive")
	}

	c, err := m.Activate("C")
	if err != nil || c == nil {
		t.Fatalf("Activate C: %v", err)
	}
	again, _ := m.Activate("C")
	if again != c {
		t.Fatalf("Activate is not idempotent")
	}
	if _, err := m.Activate("nope"); err == nil {
		t.Fatalf("unknown zone activated")
	}

	if !m.Deactivate("B") || m.Deactivate("B") {
		t.Fatalf("Deactivate B should succeed exactly once")
	}
	if diff := cmp.Diff([]string{"A", "C"}, m.ZoneIDs()); diff != "" {
		t.Fatalf("active zones after deactivate (-want +got):\n%s", diff)
	}
}

func TestManager_TickAndMetrics(t *testing.T) {
	m := newTestManager(t, nil)
	for i := 0; i < 3; i++ {
		m.Tick()
	}
	if m.Ticks() != 3 {
		t.Fatalf("Ticks=%d want 3", m.Ticks())
	}
	ms := m.Metrics()
	if len(ms) != 2 || ms[0].Zone != "A" || ms[1].Zone != "B" {
		t.Fatalf("metrics zones: %+v", ms)
	}
	if ms[0].Tick != 3 {
		t.Fatalf("zone A tick=%d want 3", ms[0].Tick)
	}
}

func TestManager_ForwardsReactivations(t *testing.T) {
	m := newTestManager(t, nil)
	var mu sync.Mutex
	var got []zone.Reactivation
	m.OnReactivate(func(r zone.Reactivation) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	z := m.Zone("B")
	cats := catalogs.Default()
	shelfID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("shelf"))
	pressID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("press"))
	shelf := inventory.NewSlot(shelfID, 0, inventory.RoleStorage, &cats.Items)
	press := inventory.NewSlot(pressID, 0, inventory.RoleInput, &cats.Items)
	if err := z.RegisterEntity(zone.EntitySpec{ID: shelfID, Kind: inventory.KindStorage, Slots: []*inventory.Slot{shelf}}); err != nil {
		t.Fatalf("register shelf: %v", err)
	}
	if err := z.RegisterEntity(zone.EntitySpec{ID: pressID, Kind: inventory.KindStation, Slots: []*inventory.Slot{press}}); err != nil {
		t.Fatalf("register press: %v", err)
	}
	wood := items.Key{Kind: "wood"}
	if err := z.DisableEntity(disabled.Record{Entity: pressID, ActionID: "saw", Required: []items.Key{wood}}); err != nil {
		t.Fatalf("DisableEntity: %v", err)
	}
	if err := shelf.Insert(wood, 4); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	m.Tick()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Zone != "B" || got[0].Entity != pressID || got[0].ActionID != "saw" {
		t.Fatalf("reactivations: %+v", got)
	}
}

func TestManager_PersistsProfiles(t *testing.T) {
	store := &memStore{}
	m := newTestManager(t, store)

	m.Profiler().Sample("test.op", 10, 5*time.Millisecond)
	m.Tick()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.FlushProfiles(ctx); err != nil {
		t.Fatalf("FlushProfiles: %v", err)
	}
	b, ok := store.find("test.op")
	if !ok || b.AvgItemCost != 500*time.Microsecond || b.AvgBatch != 10 {
		t.Fatalf("saved baseline: %+v ok=%v", b, ok)
	}

	// A new manager starts from the saved averages.
	re := newTestManager(t, store)
	avg, ok := re.Profiler().Average("test.op")
	if !ok || avg != 500*time.Microsecond {
		t.Fatalf("restored avg=%v ok=%v", avg, ok)
	}
}

func TestManager_CloseSavesAndClosesZones(t *testing.T) {
	store := &memStore{}
	m := newTestManager(t, store)
	z := m.Zone("A")
	m.Profiler().Sample("test.op", 1, time.Millisecond)

	m.Close()
	if _, ok := store.find("test.op"); !ok {
		t.Fatalf("Close did not save profiles")
	}
	if len(m.ZoneIDs()) != 0 {
		t.Fatalf("zones still active after Close")
	}
	if err := z.RegisterEntity(zone.EntitySpec{}); !errors.Is(err, zone.ErrZoneClosed) {
		t.Fatalf("register on closed zone err=%v", err)
	}
	if _, err := m.Activate("C"); !errors.Is(err, zone.ErrZoneClosed) {
		t.Fatalf("Activate after Close err=%v", err)
	}
}

func TestManager_SaveErrorsCounted(t *testing.T) {
	store := &memStore{fail: true}
	m := newTestManager(t, store)
	m.Profiler().Sample("test.op", 1, time.Millisecond)
	if err := m.FlushProfiles(context.Background()); err != nil {
		t.Fatalf("FlushProfiles: %v", err)
	}
	if m.SaveErrors() != 1 {
		t.Fatalf("SaveErrors=%d want 1", m.SaveErrors())
	}
}

func TestFileProfileStore_RoundTrip(t *testing.T) {
	fs := FileProfileStore{Path: filepath.Join(t.TempDir(), "state", "profiles.json")}
	got, err := fs.LoadProfiles()
	if err != nil || got != nil {
		t.Fatalf("missing file: got=%v err=%v", got, err)
	}
	want := []sched.Baseline{{Op: zone.OpApply, AvgItemCost: 42 * time.Microsecond, AvgBatch: 7, Samples: 3}}
	if err := fs.SaveProfiles(want); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	got, err = fs.LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("profiles (-want +got):\n%s", diff)
	}
}
