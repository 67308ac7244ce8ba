package indexdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/sched"
	"stockroom.ai/internal/sim/tuning"
	"stockroom.ai/internal/sim/zone"
)

func openTemp(t *testing.T) (*SQLiteIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestSQLiteIndex_ProfilesRoundTrip(t *testing.T) {
	idx, path := openTemp(t)

	want := []sched.Baseline{
		{Op: zone.OpApply, AvgItemCost: 120 * time.Microsecond, AvgBatch: 40, Samples: 8},
		{Op: zone.OpFindItems, AvgItemCost: 3 * time.Microsecond, AvgBatch: 900, Samples: 64},
	}
	if err := idx.SaveProfiles(append(want, sched.Baseline{Op: "", AvgItemCost: time.Second})); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	got, err := re.LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("profiles mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteIndex_SaveProfilesReplaces(t *testing.T) {
	idx, _ := openTemp(t)
	if err := idx.SaveProfiles([]sched.Baseline{{Op: "a", AvgItemCost: 10, AvgBatch: 1, Samples: 1}}); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	if err := idx.SaveProfiles([]sched.Baseline{{Op: "a", AvgItemCost: 20, AvgBatch: 2, Samples: 2}}); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	got, err := idx.LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(got) != 1 || got[0].AvgItemCost != 20 || got[0].Samples != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestSQLiteIndex_WriteAuditSequencesPerTick(t *testing.T) {
	idx, path := openTemp(t)

	entries := []zone.AuditEntry{
		{Tick: 1, Zone: "a", Action: "BATCH_COMMIT", Entity: "e1", Item: "Wood", Quantity: 3},
		{Tick: 1, Zone: "a", Action: "BATCH_REJECT", Code: "E_CAPACITY", Slot: 2},
		{Tick: 1, Zone: "b", Action: "BATCH_COMMIT"},
		{Tick: 2, Zone: "a", Action: "RESERVE_CONFLICT", Code: "E_CONFLICT"},
	}
	for _, e := range entries {
		if err := idx.WriteAudit(e); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	n, err := idx.AuditCount("a", "")
	if err != nil || n != 3 {
		t.Fatalf("AuditCount(a)=%d err=%v want 3", n, err)
	}
	n, err = idx.AuditCount("a", "BATCH_REJECT")
	if err != nil || n != 1 {
		t.Fatalf("AuditCount(a,BATCH_REJECT)=%d err=%v want 1", n, err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var seq int
	var code string
	row := db.QueryRow(`SELECT seq,code FROM audits WHERE zone='a' AND tick=1 AND action='BATCH_REJECT'`)
	if err := row.Scan(&seq, &code); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if seq != 1 || code != "E_CAPACITY" {
		t.Fatalf("seq=%d code=%q", seq, code)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqAudit}

	_ = s.WriteAudit(zone.AuditEntry{Tick: 2})
	s.RecordMetrics(zone.Metrics{Zone: "a", Tick: 2})
	s.RecordMetrics(zone.Metrics{})

	st := s.Stats()
	if st.DropAuditTotal != 1 {
		t.Fatalf("DropAuditTotal=%d want=1", st.DropAuditTotal)
	}
	if st.DropMetricsTotal != 1 {
		t.Fatalf("DropMetricsTotal=%d want=1", st.DropMetricsTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_UpsertCatalogs(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`[{"id":"Wood","stack_limit":75}]`)
	if err := os.WriteFile(filepath.Join(dir, "items.json"), raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cats, err := catalogs.Load(dir)
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}

	idx, _ := openTemp(t)
	if err := idx.UpsertCatalogs(dir, cats, tuning.Defaults()); err != nil {
		t.Fatalf("UpsertCatalogs: %v", err)
	}
	var digest, body string
	if err := idx.db.QueryRow(`SELECT digest,json FROM catalogs WHERE name='items_defs'`).Scan(&digest, &body); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if digest != cats.Items.DefsDigest || body != string(raw) {
		t.Fatalf("digest=%q body=%q", digest, body)
	}
	var n int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM catalogs`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("catalog rows=%d want 3", n)
	}
}
