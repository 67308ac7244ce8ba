// Package multizone runs a set of zones from zones.yaml on one tick loop and
// shares the scheduler profiler between them.
package multizone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/sched"
	"stockroom.ai/internal/sim/tuning"
	"stockroom.ai/internal/sim/zone"
)

// ProfileStore persists scheduler baselines across runs.
type ProfileStore interface {
	SaveProfiles(bs []sched.Baseline) error
	LoadProfiles() ([]sched.Baseline, error)
}

type Runtime struct {
	Spec ZoneSpec
	Zone *zone.Zone
}

type Manager struct {
	mu sync.RWMutex

	specs    map[string]ZoneSpec
	order    []string
	runtimes map[string]*Runtime
	hooks    []func(zone.Reactivation)
	audit    zone.AuditLogger

	tune   tuning.Tuning
	limits inventory.StackLimiter
	logger *log.Logger
	store  ProfileStore
	prof   *sched.Profiler
	now    func() time.Time

	ticks      atomic.Uint64
	queuedVer  atomic.Uint64
	savedVer   atomic.Uint64
	saveErrors atomic.Uint64

	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
	closed          atomic.Bool
}

type Options struct {
	Store  ProfileStore
	Audit  zone.AuditLogger
	Logger *log.Logger
	// Now overrides the clock handed to every zone.
	Now func() time.Time
	// PersistDebounce defaults to 500ms.
	PersistDebounce time.Duration
}

// NewManager validates cfg, restores saved scheduler baselines and activates
// every zone marked activate.
func NewManager(cfg Config, tune tuning.Tuning, limits inventory.StackLimiter, opts Options) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := tune.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	debounce := opts.PersistDebounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	m := &Manager{
		specs:           map[string]ZoneSpec{},
		runtimes:        map[string]*Runtime{},
		audit:           opts.Audit,
		tune:            tune,
		limits:          limits,
		logger:          logger,
		store:           opts.Store,
		prof:            sched.NewProfiler(tune.SchedConfig().Normalize().SampleWindow),
		now:             opts.Now,
		persistDebounce: debounce,
		persistCh:       make(chan struct{}, 1),
		persistFlush:    make(chan chan struct{}, 8),
		persistStop:     make(chan struct{}),
	}
	for _, z := range cfg.Zones {
		m.specs[z.ID] = z
		m.order = append(m.order, z.ID)
	}
	m.loadProfiles()

	for _, z := range cfg.Zones {
		if !z.Activate {
			continue
		}
		if _, err := m.Activate(z.ID); err != nil {
			return nil, err
		}
	}

	m.persistWG.Add(1)
	go m.persistLoop()
	return m, nil
}

func (m *Manager) loadProfiles() {
	if m.store == nil {
		return
	}
	bs, err := m.store.LoadProfiles()
	if err != nil {
		m.logger.Printf("multizone: load profiles: %v", err)
		return
	}
	m.prof.Restore(bs)
	v := m.prof.Version()
	m.queuedVer.Store(v)
	m.savedVer.Store(v)
	if len(bs) > 0 {
		m.logger.Printf("multizone: restored %d scheduler baselines", len(bs))
	}
}

func (m *Manager) Profiler() *sched.Profiler { return m.prof }

// Activate creates the zone if it is not already running.
func (m *Manager) Activate(id string) (*zone.Zone, error) {
	if m.closed.Load() {
		return nil, zone.ErrZoneClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt := m.runtimes[id]; rt != nil {
		return rt.Zone, nil
	}
	spec, ok := m.specs[id]
	if !ok {
		return nil, fmt.Errorf("unknown zone: %s", id)
	}

	zc := zone.Config{
		ID:              spec.ID,
		Sched:           m.tune.SchedConfig(),
		Profiler:        m.prof,
		LeakAge:         m.tune.LeakAge(),
		LeakReportEvery: uint64(max(m.tune.LeakReportEveryTicks, 0)),
		PendingLimit:    m.tune.PendingQueueLimit,
		Now:             m.now,
	}
	if spec.PendingLimit > 0 {
		zc.PendingLimit = spec.PendingLimit
	}
	if spec.LeakAgeMs > 0 {
		zc.LeakAge = time.Duration(spec.LeakAgeMs) * time.Millisecond
	}
	z := zone.New(zc, m.limits, m.logger)
	if m.audit != nil {
		z.SetAuditLogger(m.audit)
	}
	z.OnReactivate(m.dispatch)
	m.runtimes[id] = &Runtime{Spec: spec, Zone: z}
	m.logger.Printf("multizone: activated zone %s", id)
	return z, nil
}

// Deactivate closes the zone and drops it from the tick loop.
func (m *Manager) Deactivate(id string) bool {
	m.mu.Lock()
	rt := m.runtimes[id]
	delete(m.runtimes, id)
	m.mu.Unlock()
	if rt == nil {
		return false
	}
	rt.Zone.Close()
	m.logger.Printf("multizone: deactivated zone %s", id)
	m.schedulePersist()
	return true
}

func (m *Manager) dispatch(r zone.Reactivation) {
	m.mu.RLock()
	hooks := append([]func(zone.Reactivation){}, m.hooks...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(r)
	}
}

// OnReactivate registers fn for reactivation events from every zone,
// including zones activated later.
func (m *Manager) OnReactivate(fn func(zone.Reactivation)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Manager) Zone(id string) *zone.Zone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rt := m.runtimes[id]; rt != nil {
		return rt.Zone
	}
	return nil
}

func (m *Manager) Runtime(id string) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtimes[id]
}

// ZoneIDs lists active zones in configuration order.
func (m *Manager) ZoneIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runtimes))
	for _, id := range m.order {
		if m.runtimes[id] != nil {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) zones() []*zone.Zone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*zone.Zone, 0, len(m.runtimes))
	for _, id := range m.order {
		if rt := m.runtimes[id]; rt != nil {
			out = append(out, rt.Zone)
		}
	}
	return out
}

// Tick advances every active zone once and schedules a baseline save when
// the profiler has new samples.
func (m *Manager) Tick() {
	for _, z := range m.zones() {
		z.Tick()
	}
	m.ticks.Add(1)
	if v := m.prof.Version(); v != m.queuedVer.Load() {
		m.queuedVer.Store(v)
		m.schedulePersist()
	}
}

func (m *Manager) Ticks() uint64 { return m.ticks.Load() }

// Run ticks at the tuning rate until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.tune.TickInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Tick()
		}
	}
}

// Metrics returns the latest published metrics of every active zone, sorted
// by zone id.
func (m *Manager) Metrics() []zone.Metrics {
	zs := m.zones()
	out := make([]zone.Metrics, 0, len(zs))
	for _, z := range zs {
		out = append(out, z.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

func (m *Manager) schedulePersist() {
	if m.store == nil || m.persistCh == nil {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.persistNow()
			return
		case <-m.persistCh:
			if timer == nil {
				timer = time.NewTimer(m.persistDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.persistDebounce)
			}
		case ack := <-m.persistFlush:
			stopTimer()
			m.persistNow()
			if ack != nil {
				close(ack)
			}
		case <-timerCh:
			stopTimer()
			m.persistNow()
		}
	}
}

func (m *Manager) persistNow() {
	if m.store == nil {
		return
	}
	v := m.prof.Version()
	if v == m.savedVer.Load() {
		return
	}
	bs := m.prof.Snapshot()
	if len(bs) == 0 {
		return
	}
	if err := m.store.SaveProfiles(bs); err != nil {
		m.saveErrors.Add(1)
		m.logger.Printf("multizone: save profiles: %v", err)
		return
	}
	m.savedVer.Store(v)
}

// FlushProfiles saves pending baselines and waits for the write.
func (m *Manager) FlushProfiles(ctx context.Context) error {
	if m.store == nil || m.closed.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) SaveErrors() uint64 { return m.saveErrors.Load() }

// Close stops the persist loop after a final save, then closes every zone.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.persistStop)
		m.persistWG.Wait()

		m.mu.Lock()
		rts := make([]*Runtime, 0, len(m.runtimes))
		for _, id := range m.order {
			if rt := m.runtimes[id]; rt != nil {
				rts = append(rts, rt)
			}
		}
		m.runtimes = map[string]*Runtime{}
		m.mu.Unlock()
		for _, rt := range rts {
			rt.Zone.Close()
		}
	})
}

// FileProfileStore keeps baselines in a JSON file, replaced atomically.
type FileProfileStore struct {
	Path string
}

type profileFile struct {
	Version   int              `json:"version"`
	Baselines []sched.Baseline `json:"baselines"`
}

func (f FileProfileStore) SaveProfiles(bs []sched.Baseline) error {
	if f.Path == "" {
		return nil
	}
	b, err := json.MarshalIndent(profileFile{Version: 1, Baselines: bs}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func (f FileProfileStore) LoadProfiles() ([]sched.Baseline, error) {
	if f.Path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pf profileFile
	if err := json.Unmarshal(b, &pf); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(f.Path), err)
	}
	return pf.Baselines, nil
}
