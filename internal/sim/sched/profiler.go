package sched

import (
	"sort"
	"sync"
	"time"
)

// Profiler keeps rolling averages of per-item cost and chunk size per
// operation id. It is safe for concurrent use and may be shared by
// schedulers of several zones.
type Profiler struct {
	mu      sync.Mutex
	window  int
	ops     map[string]*series
	version uint64
}

type series struct {
	cost  ring
	batch ring
}

type ring struct {
	vals []int64
	next int
	sum  int64
}

func (r *ring) add(v int64, window int) {
	if len(r.vals) < window {
		r.vals = append(r.vals, v)
		r.sum += v
		return
	}
	r.sum -= r.vals[r.next]
	r.vals[r.next] = v
	r.sum += v
	r.next = (r.next + 1) % len(r.vals)
}

func (r *ring) avg() (int64, bool) {
	if len(r.vals) == 0 {
		return 0, false
	}
	return r.sum / int64(len(r.vals)), true
}

func NewProfiler(window int) *Profiler {
	if window <= 0 {
		window = DefaultConfig().SampleWindow
	}
	return &Profiler{window: window, ops: map[string]*series{}}
}

func (p *Profiler) get(op string) *series {
	s := p.ops[op]
	if s == nil {
		s = &series{}
		p.ops[op] = s
	}
	return s
}

// Sample records that n items of op took elapsed wall-clock time.
func (p *Profiler) Sample(op string, n int, elapsed time.Duration) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.get(op)
	s.cost.add(int64(elapsed)/int64(n), p.window)
	s.batch.add(int64(n), p.window)
	p.version++
}

// Average returns the rolling per-item cost of op.
func (p *Profiler) Average(op string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.ops[op]
	if s == nil {
		return 0, false
	}
	v, ok := s.cost.avg()
	return time.Duration(v), ok
}

// AverageBatch returns the rolling chunk size of op, 0 when unknown.
func (p *Profiler) AverageBatch(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.ops[op]
	if s == nil {
		return 0
	}
	v, _ := s.batch.avg()
	return int(v)
}

// Version increases with every recorded sample.
func (p *Profiler) Version() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Baseline is the persisted form of one operation's averages.
type Baseline struct {
	Op          string        `json:"op"`
	AvgItemCost time.Duration `json:"avg_item_cost_ns"`
	AvgBatch    int           `json:"avg_batch"`
	Samples     int           `json:"samples"`
}

func (p *Profiler) Snapshot() []Baseline {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Baseline, 0, len(p.ops))
	for op, s := range p.ops {
		cost, ok := s.cost.avg()
		if !ok {
			continue
		}
		batch, _ := s.batch.avg()
		out = append(out, Baseline{Op: op, AvgItemCost: time.Duration(cost), AvgBatch: int(batch), Samples: len(s.cost.vals)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

// Restore seeds the averages from saved baselines, replacing current ones
// for the same operations.
func (p *Profiler) Restore(bs []Baseline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range bs {
		if b.Op == "" || b.AvgItemCost <= 0 {
			continue
		}
		n := min(max(b.Samples, 1), p.window)
		s := &series{}
		for i := 0; i < n; i++ {
			s.cost.add(int64(b.AvgItemCost), p.window)
			if b.AvgBatch > 0 {
				s.batch.add(int64(b.AvgBatch), p.window)
			}
		}
		p.ops[b.Op] = s
	}
}
