// Command zonesim runs the zone slot cache against a synthetic warehouse
// workload and serves its metrics and observer stream over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"stockroom.ai/internal/persistence/indexdb"
	persistlog "stockroom.ai/internal/persistence/log"
	"stockroom.ai/internal/persistence/snapshot"
	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/multizone"
	"stockroom.ai/internal/sim/tuning"
	"stockroom.ai/internal/transport/observer"
)

type options struct {
	addr         string
	configDir    string
	tuningPath   string
	zonesPath    string
	dataDir      string
	dbPath       string
	disableDB    bool
	seed         int64
	batches      int
	duration     time.Duration
	sampleEvery  int
	verifyEvery  int
	allowRemote  bool
	snapEvery    int
	resume       bool
	profilesFile string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("zonesim", pflag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", "127.0.0.1:8080", "http listen address (empty to disable)")
	fs.StringVar(&o.configDir, "configs", "./configs", "config directory (items.json)")
	fs.StringVar(&o.tuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	fs.StringVar(&o.zonesPath, "zones", "", "path to zones.yaml (default: <configs>/zones.yaml)")
	fs.StringVar(&o.dataDir, "data", "./data", "runtime data directory")
	fs.StringVar(&o.dbPath, "db", "", "sqlite index path (default: <data>/index/index.db)")
	fs.BoolVar(&o.disableDB, "disable-db", false, "disable the sqlite index; baselines go to <data>/profiles.json")
	fs.Int64Var(&o.seed, "seed", 1337, "workload random seed")
	fs.IntVarP(&o.batches, "batches", "b", 8, "workload batches per zone per tick")
	fs.DurationVarP(&o.duration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	fs.IntVar(&o.sampleEvery, "sample-every", 20, "ticks between metrics samples")
	fs.IntVar(&o.verifyEvery, "verify-every", 0, "ticks between index verification passes (0 disables)")
	fs.IntVar(&o.snapEvery, "snapshot-every", 0, "ticks between zone snapshots (0 writes one at shutdown only)")
	fs.BoolVar(&o.resume, "resume", false, "restore zones from their latest snapshot instead of generating them")
	fs.BoolVar(&o.allowRemote, "allow-remote-observers", false, "accept observer connections from non-loopback addresses")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if o.tuningPath == "" {
		o.tuningPath = filepath.Join(o.configDir, "tuning.yaml")
	}
	if o.zonesPath == "" {
		o.zonesPath = filepath.Join(o.configDir, "zones.yaml")
	}
	if o.dbPath == "" {
		o.dbPath = filepath.Join(o.dataDir, "index", "index.db")
	}
	o.profilesFile = filepath.Join(o.dataDir, "profiles.json")
	return o, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, "[zonesim] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := loadCatalogs(o.configDir)
	if err != nil {
		return fmt.Errorf("catalogs: %w", err)
	}
	tune := tuning.Defaults()
	if fileExists(o.tuningPath) {
		if tune, err = tuning.Load(o.tuningPath); err != nil {
			return err
		}
	} else {
		logger.Printf("tuning: %s not found, using defaults", o.tuningPath)
	}
	zonesPath := o.zonesPath
	if !fileExists(zonesPath) {
		logger.Printf("zones: %s not found, using defaults", zonesPath)
		zonesPath = ""
	}
	zcfg, err := multizone.Load(zonesPath)
	if err != nil {
		return err
	}

	var (
		store multizone.ProfileStore = multizone.FileProfileStore{Path: o.profilesFile}
		idx   *indexdb.SQLiteIndex
	)
	if !o.disableDB {
		idx, err = indexdb.OpenSQLite(o.dbPath)
		if err != nil {
			return fmt.Errorf("index db: %w", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(o.configDir, cats, tune); err != nil {
			logger.Printf("index db: upsert catalogs: %v", err)
		}
		store = idx
	}

	auditLog := persistlog.NewAuditLogger(o.dataDir)
	defer auditLog.Close()
	metricsLog := persistlog.NewMetricsLogger(o.dataDir)
	defer metricsLog.Close()

	obs := observer.NewServer(nil, tune.TickRateHz, cats.Items.Palette, logger)
	obs.AllowRemote = o.allowRemote

	sinks := persistlog.Tee{auditLog, obs}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	mgr, err := multizone.NewManager(zcfg, tune, &cats.Items, multizone.Options{
		Store:  store,
		Audit:  sinks,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()
	obs.SetSource(mgr)
	mgr.OnReactivate(obs.PublishReactivation)

	drv := newDriver(mgr, cats, o.seed, o.batches, logger)
	for _, id := range mgr.ZoneIDs() {
		if o.resume {
			ok, err := restoreZone(drv, cats, o.dataDir, id, logger)
			if err != nil {
				return fmt.Errorf("restore %s: %w", id, err)
			}
			if ok {
				continue
			}
		}
		spec, _ := zcfg.Spec(id)
		if err := drv.populate(id, spec.Synthetic); err != nil {
			return fmt.Errorf("populate %s: %w", id, err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	if o.duration > 0 {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, o.duration)
		defer c()
	}

	if o.addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			resp := map[string]any{
				"tick":     mgr.Ticks(),
				"zones":    mgr.Metrics(),
				"workload": drv.stats(),
				"observer": map[string]any{"sessions": obs.Sessions(), "dropped": obs.Dropped()},
			}
			if idx != nil {
				resp["index_db"] = idx.Stats()
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/v1/observe", obs.WSHandler())
		mux.HandleFunc("/v1/observe/bootstrap", obs.BootstrapHandler())

		srv := &http.Server{
			Addr:              o.addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("listening on %s", o.addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
				cancel()
			}
		}()
	}

	loop(ctx, mgr, drv, obs, metricsLog, idx, tune.TickInterval(), o, logger)

	snapshotZones(mgr, o.dataDir, logger)
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := mgr.FlushProfiles(flushCtx); err != nil {
		logger.Printf("flush profiles: %v", err)
	}
	st := drv.stats()
	logger.Printf("stopped at tick %d: fetches=%d deliveries=%d crafts=%d rejects=%d misses=%d reactivated=%d probes=%d/%d",
		mgr.Ticks(), st.Fetches, st.Deliveries, st.Crafts, st.Rejects, st.Misses, st.Reactivated, st.ProbeHits, st.Probes)
	return nil
}

// loop drives the workload and the manager on one goroutine so driver steps
// never race a zone tick.
func loop(ctx context.Context, mgr *multizone.Manager, drv *driver, obs *observer.Server, ml *persistlog.MetricsLogger, idx *indexdb.SQLiteIndex, every time.Duration, o options, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		drv.step()
		mgr.Tick()
		tick := mgr.Ticks()
		ms := mgr.Metrics()
		obs.PublishTick(tick, ms)

		if o.sampleEvery > 0 && tick%uint64(o.sampleEvery) == 0 {
			now := time.Now().UTC()
			for _, m := range ms {
				if err := ml.WriteSample(persistlog.MetricsSample{At: now, Stats: m}); err != nil {
					logger.Printf("metrics log: %v", err)
				}
				idx.RecordMetrics(m)
			}
		}
		if o.verifyEvery > 0 && tick%uint64(o.verifyEvery) == 0 {
			drv.verify()
		}
		if o.snapEvery > 0 && tick%uint64(o.snapEvery) == 0 {
			snapshotZones(mgr, o.dataDir, logger)
		}
	}
}

func snapshotDir(dataDir, zoneID string) string {
	return filepath.Join(dataDir, "zones", zoneID, "snapshots")
}

// snapshotZones writes one snapshot per active zone, named by the zone's own
// tick.
func snapshotZones(mgr *multizone.Manager, dataDir string, logger *log.Logger) {
	now := time.Now()
	for _, id := range mgr.ZoneIDs() {
		z := mgr.Zone(id)
		if z == nil {
			continue
		}
		tick, ents := z.Export()
		path := snapshot.Path(snapshotDir(dataDir, id), tick)
		if err := snapshot.WriteSnapshot(path, snapshot.FromZone(id, tick, ents, now)); err != nil {
			logger.Printf("snapshot %s: %v", id, err)
			continue
		}
		logger.Printf("snapshot %s: %s (%d entities)", id, path, len(ents))
	}
}

// restoreZone loads the latest snapshot of zoneID. It reports false when the
// zone has none.
func restoreZone(drv *driver, cats *catalogs.Catalogs, dataDir, zoneID string, logger *log.Logger) (bool, error) {
	path := snapshot.Latest(snapshotDir(dataDir, zoneID))
	if path == "" {
		logger.Printf("restore %s: no snapshot, generating", zoneID)
		return false, nil
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return false, err
	}
	if snap.Header.Zone != zoneID {
		return false, fmt.Errorf("%s holds zone %q", path, snap.Header.Zone)
	}
	specs, err := snap.Specs(&cats.Items)
	if err != nil {
		return false, err
	}
	logger.Printf("restore %s: %s (tick %d)", zoneID, path, snap.Header.Tick)
	if err := drv.adopt(zoneID, specs); err != nil {
		return false, err
	}
	drv.mgr.Zone(zoneID).ResumeAt(snap.Header.Tick)
	return true, nil
}

func loadCatalogs(dir string) (*catalogs.Catalogs, error) {
	if !fileExists(filepath.Join(dir, "items.json")) {
		return catalogs.Default(), nil
	}
	return catalogs.Load(dir)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
