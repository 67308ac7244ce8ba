// Command zoneadmin inspects the on-disk state written by zonesim: zone
// snapshots, audit logs and the sqlite index.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"stockroom.ai/internal/persistence/indexdb"
	persistlog "stockroom.ai/internal/persistence/log"
	"stockroom.ai/internal/persistence/snapshot"
	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/zone"
)

// errUsage marks bad invocations; main exits with status 2 for them.
var errUsage = errors.New("usage")

func main() {
	err := run(os.Args[1:], os.Stdout)
	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) >= 1 {
		switch args[0] {
		case "snapshot":
			return snapshotCmd(args[1:], out)
		case "audit":
			return auditCmd(args[1:], out)
		case "db":
			return dbCmd(args[1:], out)
		}
	}
	return listCmd(args, out)
}

func zonesDir(dataDir string) string { return filepath.Join(dataDir, "zones") }

// listCmd prints the latest snapshot header of every zone under the data dir.
func listCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ents, err := os.ReadDir(zonesDir(*dataDir))
	if err != nil {
		return err
	}
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		row := map[string]any{"zone": e.Name()}
		if p := snapshot.Latest(filepath.Join(zonesDir(*dataDir), e.Name(), "snapshots")); p != "" {
			if h, err := snapshot.ReadHeader(p); err == nil {
				row["tick"] = h.Tick
				row["entities"] = h.Entities
				row["created_at"] = h.CreatedAt
				row["path"] = p
			}
		}
		printJSON(out, row)
	}
	return nil
}

// snapshotCmd prints item totals of one snapshot, or with --verify restores
// it into a scratch zone and checks the rebuilt index.
func snapshotCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("snapshot", pflag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	zoneID := fs.String("zone", "", "zone id (uses its latest snapshot)")
	path := fs.String("snapshot", "", "snapshot path (overrides --zone)")
	configDir := fs.String("configs", "./configs", "config directory (items.json)")
	verify := fs.Bool("verify", false, "restore into a scratch zone and verify its index")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p := strings.TrimSpace(*path)
	if p == "" {
		if strings.TrimSpace(*zoneID) == "" {
			return fmt.Errorf("%w: missing --zone or --snapshot", errUsage)
		}
		p = snapshot.Latest(filepath.Join(zonesDir(*dataDir), *zoneID, "snapshots"))
		if p == "" {
			return fmt.Errorf("no snapshot for zone %s", *zoneID)
		}
	}
	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		return err
	}

	if !*verify {
		totals := map[string]int{}
		kinds := map[string]int{}
		for _, e := range snap.Entities {
			kinds[e.Kind]++
			for _, s := range e.Slots {
				if s.Item != "" {
					totals[s.Item] += s.Quantity
				}
			}
		}
		printJSON(out, map[string]any{"header": snap.Header, "kinds": kinds})
		keys := make([]string, 0, len(totals))
		for k := range totals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printJSON(out, map[string]any{"item": k, "quantity": totals[k]})
		}
		return nil
	}

	cats := catalogs.Default()
	if _, err := os.Stat(filepath.Join(*configDir, "items.json")); err == nil {
		if cats, err = catalogs.Load(*configDir); err != nil {
			return err
		}
	}
	specs, err := snap.Specs(&cats.Items)
	if err != nil {
		return err
	}
	z := zone.New(zone.Config{ID: snap.Header.Zone}, &cats.Items, nil)
	defer z.Close()
	for _, s := range specs {
		if err := z.RegisterEntity(s); err != nil {
			return fmt.Errorf("register %s: %w", s.ID, err)
		}
	}
	if err := z.VerifyIndex(); err != nil {
		return err
	}
	m := z.Metrics()
	printJSON(out, map[string]any{
		"zone":          snap.Header.Zone,
		"tick":          snap.Header.Tick,
		"ok":            true,
		"entities":      m.Entities,
		"indexed_slots": m.IndexedSlots,
		"indexed_keys":  m.IndexedKeys,
	})
	return nil
}

// auditCmd replays the zstd audit log and prints matching entries.
func auditCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("audit", pflag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	zoneID := fs.String("zone", "", "zone id filter")
	action := fs.String("action", "", "action filter, e.g. BATCH_REJECT")
	sinceTick := fs.Uint64("since-tick", 0, "first tick (inclusive)")
	limit := fs.Int("limit", 0, "stop after this many entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(*dataDir, "audit", "audit-*.jsonl.zst"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	n := 0
	errDone := errors.New("done")
	for _, f := range files {
		err := persistlog.ReadJSONL(f, func(raw json.RawMessage) error {
			var e zone.AuditEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if e.Tick < *sinceTick || (*zoneID != "" && e.Zone != *zoneID) || (*action != "" && e.Action != *action) {
				return nil
			}
			printJSON(out, e)
			n++
			if *limit > 0 && n >= *limit {
				return errDone
			}
			return nil
		})
		if errors.Is(err, errDone) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

// dbCmd queries the sqlite index: "profiles" (default) or "audits".
func dbCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("db", pflag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default: <data>/index/index.db)")
	zoneID := fs.String("zone", "", "zone id (audits)")
	action := fs.String("action", "BATCH_COMMIT", "audit action (audits)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := "profiles"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "index.db")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	switch q {
	case "profiles":
		bs, err := idx.LoadProfiles()
		if err != nil {
			return err
		}
		for _, b := range bs {
			printJSON(out, b)
		}
	case "audits":
		if *zoneID == "" {
			return fmt.Errorf("%w: audits needs --zone", errUsage)
		}
		n, err := idx.AuditCount(*zoneID, *action)
		if err != nil {
			return err
		}
		printJSON(out, map[string]any{"zone": *zoneID, "action": *action, "count": n})
	default:
		return fmt.Errorf("%w: unknown query %q", errUsage, q)
	}
	return nil
}

func printJSON(out io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(out, string(b))
}
