package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"stockroom.ai/internal/persistence/indexdb"
	persistlog "stockroom.ai/internal/persistence/log"
	"stockroom.ai/internal/persistence/snapshot"
	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/sched"
	"stockroom.ai/internal/sim/zone"
)

func lines(t *testing.T, b *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(b)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

// writeZoneSnapshot stores a two-entity zone under <data>/zones/DOCKS.
func writeZoneSnapshot(t *testing.T, dataDir string) {
	t.Helper()
	cats := catalogs.Default()
	z := zone.New(zone.Config{ID: "DOCKS"}, &cats.Items, nil)
	defer z.Close()
	for i, name := range []string{"rack-a", "rack-b"} {
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
		s := inventory.NewSlot(id, 0, inventory.RoleStorage, &cats.Items)
		if err := s.Insert(items.Key{Kind: "wood"}, 3+i); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := z.RegisterEntity(zone.EntitySpec{ID: id, Kind: inventory.KindStorage, Slots: []*inventory.Slot{s}}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	z.Tick()
	tick, ents := z.Export()
	dir := filepath.Join(dataDir, "zones", "DOCKS", "snapshots")
	if err := snapshot.WriteSnapshot(snapshot.Path(dir, tick), snapshot.FromZone("DOCKS", tick, ents, time.Unix(0, 0))); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
}

func TestSnapshotCommands(t *testing.T) {
	dataDir := t.TempDir()
	writeZoneSnapshot(t, dataDir)

	var buf bytes.Buffer
	if err := run([]string{"--data", dataDir}, &buf); err != nil {
		t.Fatalf("list: %v", err)
	}
	got := lines(t, &buf)
	if len(got) != 1 || got[0]["zone"] != "DOCKS" || got[0]["entities"] != float64(2) {
		t.Fatalf("list: %v", got)
	}

	buf.Reset()
	if err := run([]string{"snapshot", "--data", dataDir, "--zone", "DOCKS"}, &buf); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	got = lines(t, &buf)
	if len(got) != 2 || got[1]["item"] != "wood" || got[1]["quantity"] != float64(7) {
		t.Fatalf("snapshot: %v", got)
	}

	buf.Reset()
	if err := run([]string{"snapshot", "--data", dataDir, "--zone", "DOCKS", "--verify", "--configs", t.TempDir()}, &buf); err != nil {
		t.Fatalf("verify: %v", err)
	}
	got = lines(t, &buf)
	if len(got) != 1 || got[0]["ok"] != true || got[0]["entities"] != float64(2) {
		t.Fatalf("verify: %v", got)
	}

	if err := run([]string{"snapshot"}, &buf); !errors.Is(err, errUsage) {
		t.Fatalf("missing zone err=%v", err)
	}
}

func TestAuditCommand(t *testing.T) {
	dataDir := t.TempDir()
	al := persistlog.NewAuditLogger(dataDir)
	for i, e := range []zone.AuditEntry{
		{Tick: 1, Zone: "A", Action: "BATCH_COMMIT"},
		{Tick: 2, Zone: "B", Action: "BATCH_REJECT", Code: "E_CAPACITY"},
		{Tick: 5, Zone: "A", Action: "BATCH_REJECT", Code: "E_CONFLICT"},
	} {
		if err := al.WriteAudit(e); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := al.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var buf bytes.Buffer
	if err := run([]string{"audit", "--data", dataDir, "--action", "BATCH_REJECT", "--zone", "A"}, &buf); err != nil {
		t.Fatalf("audit: %v", err)
	}
	got := lines(t, &buf)
	if len(got) != 1 || got[0]["code"] != "E_CONFLICT" {
		t.Fatalf("audit: %v", got)
	}

	buf.Reset()
	if err := run([]string{"audit", "--data", dataDir, "--limit", "2"}, &buf); err != nil {
		t.Fatalf("audit limit: %v", err)
	}
	if got := lines(t, &buf); len(got) != 2 {
		t.Fatalf("limit: %v", got)
	}
}

func TestDBCommand(t *testing.T) {
	dataDir := t.TempDir()
	path := filepath.Join(dataDir, "index", "index.db")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.SaveProfiles([]sched.Baseline{{Op: "zone.apply", AvgItemCost: 2 * time.Microsecond, AvgBatch: 40, Samples: 9}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var buf bytes.Buffer
	if err := run([]string{"db", "--data", dataDir}, &buf); err != nil {
		t.Fatalf("db: %v", err)
	}
	got := lines(t, &buf)
	if len(got) != 1 || got[0]["op"] != "zone.apply" || got[0]["avg_batch"] != float64(40) {
		t.Fatalf("profiles: %v", got)
	}
	if err := run([]string{"db", "--data", dataDir, "bogus"}, &buf); !errors.Is(err, errUsage) {
		t.Fatalf("bogus query err=%v", err)
	}
}
