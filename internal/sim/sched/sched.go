package sched

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Scheduler struct {
	cfg  Config
	prof *Profiler

	mu   sync.Mutex
	jobs []*Job

	counts [Parallel + 1]atomic.Uint64
}

// New returns a scheduler. A nil profiler gets a private one.
func New(cfg Config, prof *Profiler) *Scheduler {
	cfg = cfg.Normalize()
	if prof == nil {
		prof = NewProfiler(cfg.SampleWindow)
	}
	return &Scheduler{cfg: cfg, prof: prof}
}

func (s *Scheduler) Config() Config      { return s.cfg }
func (s *Scheduler) Profiler() *Profiler { return s.prof }

func (s *Scheduler) avgCost(op string) time.Duration {
	if avg, ok := s.prof.Average(op); ok && avg > 0 {
		return avg
	}
	return s.cfg.DefaultItemCost
}

// Choose returns the strategy for n items of op.
func (s *Scheduler) Choose(op string, n int) Strategy {
	if ov, ok := s.cfg.Overrides[op]; ok && ov.Strategy != Auto {
		if ov.Strategy == Parallel && s.cfg.Workers < 2 {
			return Chunked
		}
		return ov.Strategy
	}
	if n <= s.cfg.InlineMaxItems {
		return Inline
	}
	avg := s.avgCost(op)
	if n >= s.cfg.ParallelMinItems && s.cfg.Workers > 1 && avg >= s.cfg.ParallelMinItemCost {
		return Parallel
	}
	if avg*time.Duration(n) <= s.cfg.InlineMaxCost {
		return Inline
	}
	return Chunked
}

// ChunkSize returns how many of the remaining items of op fit one frame
// budget, blended with the rolling chunk size and clamped to [1, remaining].
func (s *Scheduler) ChunkSize(op string, remaining int) int {
	if remaining <= 0 {
		return 0
	}
	budget := s.cfg.FrameBudget
	if ov, ok := s.cfg.Overrides[op]; ok && ov.FrameBudget > 0 {
		budget = ov.FrameBudget
	}
	size := int(math.Round(float64(budget) / float64(s.avgCost(op))))
	if avg := s.prof.AverageBatch(op); avg > 0 {
		size = int(math.Round(float64(size+avg) / 2))
	}
	return min(max(size, 1), remaining)
}

type Stats struct {
	Inline   uint64 `json:"inline"`
	Chunked  uint64 `json:"chunked"`
	Parallel uint64 `json:"parallel"`
	Active   int    `json:"active"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active := len(s.jobs)
	s.mu.Unlock()
	return Stats{
		Inline:   s.counts[Inline].Load(),
		Chunked:  s.counts[Chunked].Load(),
		Parallel: s.counts[Parallel].Load(),
		Active:   active,
	}
}

// Job is one submitted bulk operation.
type Job struct {
	op       string
	strategy Strategy
	n        int
	// step advances the job on the driving goroutine and reports completion.
	// With block set it runs to completion.
	step func(block bool) bool
	done atomic.Bool
}

func (j *Job) Op() string         { return j.op }
func (j *Job) Strategy() Strategy { return j.strategy }
func (j *Job) Len() int           { return j.n }
func (j *Job) Done() bool         { return j.done.Load() }

// Submit schedules fn over every element of in. fn must be pure: it may run
// on worker goroutines and must not touch shared mutable state. merge runs on
// the goroutine that calls Submit, Tick or Wait, once per completed segment,
// with outputs in input order. in is copied before Submit returns unless the
// job runs inline.
func Submit[In, Out any](s *Scheduler, op string, in []In, fn func(In) Out, merge func([]Out)) *Job {
	n := len(in)
	j := &Job{op: op, n: n}
	if n == 0 {
		j.strategy = Inline
		j.done.Store(true)
		return j
	}
	j.strategy = s.Choose(op, n)
	s.counts[j.strategy].Add(1)

	switch j.strategy {
	case Parallel:
		j.step = parallelStep(s, op, in, fn, merge)
	case Chunked:
		j.step = chunkedStep(s, op, in, fn, merge)
	default:
		out := make([]Out, n)
		start := time.Now()
		for i, v := range in {
			out[i] = fn(v)
		}
		s.prof.Sample(op, n, time.Since(start))
		merge(out)
		j.done.Store(true)
		return j
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return j
}

func parallelStep[In, Out any](s *Scheduler, op string, in []In, fn func(In) Out, merge func([]Out)) func(bool) bool {
	n := len(in)
	buf := append([]In(nil), in...)
	out := make([]Out, n)
	workers := min(s.cfg.Workers, n)
	per := (n + workers - 1) / workers

	var elapsed time.Duration
	ready := make(chan struct{})
	go func() {
		defer close(ready)
		start := time.Now()
		var g errgroup.Group
		g.SetLimit(workers)
		for lo := 0; lo < n; lo += per {
			hi := min(lo+per, n)
			g.Go(func() error {
				for i := lo; i < hi; i++ {
					out[i] = fn(buf[i])
				}
				return nil
			})
		}
		_ = g.Wait()
		elapsed = time.Since(start)
	}()

	return func(block bool) bool {
		if block {
			<-ready
		} else {
			select {
			case <-ready:
			default:
				return false
			}
		}
		s.prof.Sample(op, n, elapsed)
		merge(out)
		return true
	}
}

func chunkedStep[In, Out any](s *Scheduler, op string, in []In, fn func(In) Out, merge func([]Out)) func(bool) bool {
	n := len(in)
	buf := append([]In(nil), in...)
	next := 0
	return func(block bool) bool {
		for {
			size := s.ChunkSize(op, n-next)
			out := make([]Out, size)
			start := time.Now()
			for i := range out {
				out[i] = fn(buf[next+i])
			}
			s.prof.Sample(op, size, time.Since(start))
			next += size
			merge(out)
			if next >= n {
				return true
			}
			if !block {
				return false
			}
		}
	}
}

// Tick advances every pending job by one step: one chunk for chunked jobs,
// a non-blocking completion check for parallel ones. It returns the number
// of jobs that finished.
func (s *Scheduler) Tick() int {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()

	finished := 0
	for _, j := range jobs {
		if j.Done() {
			continue
		}
		if j.step(false) {
			j.done.Store(true)
			finished++
		}
	}
	if finished > 0 {
		s.prune()
	}
	return finished
}

// Wait runs j to completion on the calling goroutine.
func (s *Scheduler) Wait(j *Job) {
	if j == nil {
		return
	}
	if !j.Done() {
		j.step(true)
	}
	j.done.Store(true)
	s.prune()
}

// Drain waits for every pending job in submission order.
func (s *Scheduler) Drain() {
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			s.mu.Unlock()
			return
		}
		j := s.jobs[0]
		s.mu.Unlock()
		s.Wait(j)
	}
}

// Pending returns the number of jobs not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) prune() {
	s.mu.Lock()
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if !j.Done() {
			kept = append(kept, j)
		}
	}
	clear(s.jobs[len(kept):])
	s.jobs = kept
	s.mu.Unlock()
}
