package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/sched"
	"stockroom.ai/internal/sim/tuning"
	"stockroom.ai/internal/sim/zone"
)

const schemaVersion = "1"

// SQLiteIndex is a secondary, queryable index of zone audits and the store
// for scheduler baselines. Audit writes are queued to a single writer
// goroutine and dropped if it falls behind; the JSONL audit log stays the
// source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit   atomic.Uint64
	dropMetrics atomic.Uint64
	written     atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqMetrics
	reqBarrier
)

type req struct {
	kind reqKind

	audit   zone.AuditEntry
	metrics zone.Metrics
	at      time.Time
	done    chan struct{}
}

type Stats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	WrittenTotal     uint64 `json:"written_total"`
	DropAuditTotal   uint64 `json:"drop_audit_total"`
	DropMetricsTotal uint64 `json:"drop_metrics_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			op TEXT PRIMARY KEY,
			avg_item_cost_ns INTEGER NOT NULL,
			avg_batch INTEGER NOT NULL,
			samples INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			zone TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT,
			action TEXT NOT NULL,
			entity TEXT,
			slot INTEGER NOT NULL,
			item TEXT,
			quantity INTEGER NOT NULL,
			code TEXT,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (zone, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_action_tick ON audits(action, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_entity_tick ON audits(entity, tick);`,
		`CREATE TABLE IF NOT EXISTS zone_metrics (
			zone TEXT NOT NULL,
			tick INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (zone, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		WrittenTotal:     s.written.Load(),
		DropAuditTotal:   s.dropAudit.Load(),
		DropMetricsTotal: s.dropMetrics.Load(),
	}
}

func (s *SQLiteIndex) WriteAudit(entry zone.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordMetrics(m zone.Metrics) {
	if s == nil || s.closed.Load() || m.Zone == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqMetrics, metrics: m, at: time.Now().UTC()}:
	default:
		s.dropMetrics.Add(1)
	}
}

// Sync waits until every request queued before the call has been committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqBarrier, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveProfiles replaces the stored scheduler baselines for the given operations.
func (s *SQLiteIndex) SaveProfiles(bs []sched.Baseline) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO profiles(op,avg_item_cost_ns,avg_batch,samples,updated_at) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, b := range bs {
		if b.Op == "" || b.AvgItemCost <= 0 {
			continue
		}
		if _, err := stmt.Exec(b.Op, int64(b.AvgItemCost), b.AvgBatch, b.Samples, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) LoadProfiles() ([]sched.Baseline, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT op,avg_item_cost_ns,avg_batch,samples FROM profiles ORDER BY op`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sched.Baseline
	for rows.Next() {
		var (
			b    sched.Baseline
			cost int64
		)
		if err := rows.Scan(&b.Op, &cost, &b.AvgBatch, &b.Samples); err != nil {
			return nil, err
		}
		b.AvgItemCost = time.Duration(cost)
		out = append(out, b)
	}
	return out, rows.Err()
}

// AuditCount returns how many audit rows the zone has for action, or for
// every action when action is empty.
func (s *SQLiteIndex) AuditCount(zoneID, action string) (int, error) {
	q := `SELECT COUNT(*) FROM audits WHERE zone=?`
	args := []any{zoneID}
	if action != "" {
		q += ` AND action=?`
		args = append(args, action)
	}
	var n int
	err := s.db.QueryRow(q, args...).Scan(&n)
	return n, err
}

// UpsertCatalogs stores the item catalog and the effective tuning so an index
// can be matched to the configuration that produced it.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" && cats != nil {
		if b, err := os.ReadFile(filepath.Join(configDir, "items.json")); err == nil && len(b) > 0 {
			rows = append(rows, kv{name: "items_defs", digest: cats.Items.DefsDigest, json: b})
		}
	}
	if cats != nil {
		if b, _ := json.Marshal(cats.Items.Palette); len(b) > 0 {
			rows = append(rows, kv{name: "items_palette", digest: cats.Items.PaletteDigest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(zone,tick,seq,actor,action,entity,slot,item,quantity,code,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertMetrics, _ := s.db.Prepare(`INSERT OR REPLACE INTO zone_metrics(zone,tick,recorded_at,raw_json) VALUES(?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
		if insertMetrics != nil {
			_ = insertMetrics.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)
	// Audit rows are numbered per zone within a tick.
	type seqKey struct {
		zone string
		tick uint64
	}
	lastSeq := map[string]seqKey{}
	nextSeq := map[string]int{}

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqBarrier {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			k := seqKey{zone: a.Zone, tick: a.Tick}
			if lastSeq[a.Zone] != k {
				lastSeq[a.Zone] = k
				nextSeq[a.Zone] = 0
			}
			seq := nextSeq[a.Zone]
			nextSeq[a.Zone]++
			raw, _ := json.Marshal(a)
			if insertAudit == nil {
				continue
			}
			if _, err := tx.Stmt(insertAudit).Exec(
				a.Zone, int64(a.Tick), seq,
				a.Actor, a.Action, a.Entity, a.Slot, a.Item, a.Quantity,
				a.Code, a.Reason, string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++
			s.written.Add(1)

		case reqMetrics:
			m := r.metrics
			raw, _ := json.Marshal(m)
			if insertMetrics == nil {
				continue
			}
			if _, err := tx.Stmt(insertMetrics).Exec(m.Zone, int64(m.Tick), r.at.Format(time.RFC3339Nano), string(raw)); err != nil {
				rollback()
				continue
			}
			opCount++
			s.written.Add(1)
		}
		// Readers share the single connection; commit whenever the queue drains.
		if opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
