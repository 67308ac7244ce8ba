package sched

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testConfig() Config {
	return Config{
		FrameBudget:         10 * time.Millisecond,
		InlineMaxItems:      8,
		ParallelMinItems:    500,
		ParallelMinItemCost: 50 * time.Microsecond,
		InlineMaxCost:       time.Millisecond,
		DefaultItemCost:     100 * time.Microsecond,
		Workers:             4,
		SampleWindow:        8,
	}
}

func TestChoose(t *testing.T) {
	s := New(testConfig(), nil)
	s.prof.Restore([]Baseline{
		{Op: "cheap", AvgItemCost: time.Microsecond, Samples: 1},
		{Op: "heavy", AvgItemCost: 80 * time.Microsecond, Samples: 1},
	})
	cases := []struct {
		op   string
		n    int
		want Strategy
	}{
		{"heavy", 8, Inline},
		{"heavy", 600, Parallel},
		{"cheap", 600, Inline},
		{"cheap", 5000, Chunked},
		{"unknown", 20, Chunked},
		{"unknown", 9, Inline},
		{"heavy", 100, Chunked},
	}
	for _, tc := range cases {
		if got := s.Choose(tc.op, tc.n); got != tc.want {
			t.Fatalf("Choose(%s,%d)=%s want %s", tc.op, tc.n, got, tc.want)
		}
	}

	cfg := testConfig()
	cfg.Workers = 1
	cfg.Overrides = map[string]Override{"pinned": {Strategy: Parallel}}
	if got := New(cfg, nil).Choose("pinned", 2); got != Chunked {
		t.Fatalf("parallel override with one worker=%s", got)
	}
}

func TestChunkSize(t *testing.T) {
	s := New(testConfig(), nil)
	s.prof.Restore([]Baseline{{Op: "apply", AvgItemCost: time.Millisecond, Samples: 4}})
	if got := s.ChunkSize("apply", 25); got != 10 {
		t.Fatalf("chunk=%d want 10", got)
	}
	if got := s.ChunkSize("apply", 3); got != 3 {
		t.Fatalf("chunk clamp=%d want 3", got)
	}
	s.prof.Restore([]Baseline{{Op: "apply", AvgItemCost: time.Millisecond, AvgBatch: 30, Samples: 4}})
	if got := s.ChunkSize("apply", 100); got != 20 {
		t.Fatalf("blended chunk=%d want 20", got)
	}
	s.prof.Restore([]Baseline{{Op: "slow", AvgItemCost: time.Second, Samples: 1}})
	if got := s.ChunkSize("slow", 100); got != 1 {
		t.Fatalf("slow chunk=%d want 1", got)
	}
}

func square(v int) int { return v * v }

func TestSubmit_ChunkedResumesOnTick(t *testing.T) {
	cfg := testConfig()
	cfg.Overrides = map[string]Override{"square": {Strategy: Chunked}}
	s := New(cfg, nil)
	s.prof.Restore([]Baseline{{Op: "square", AvgItemCost: time.Millisecond, Samples: 1}})

	in := make([]int, 25)
	for i := range in {
		in[i] = i
	}
	var got []int
	job := Submit(s, "square", in, square, func(out []int) { got = append(got, out...) })
	if job.Strategy() != Chunked || job.Done() {
		t.Fatalf("strategy=%s done=%v", job.Strategy(), job.Done())
	}
	in[0] = 99 // input was copied

	if n := s.Tick(); n != 0 {
		t.Fatalf("finished after one chunk")
	}
	if len(got) != 10 {
		t.Fatalf("first chunk merged %d items", len(got))
	}
	s.Wait(job)
	if !job.Done() || s.Pending() != 0 {
		t.Fatalf("job not finished")
	}
	want := make([]int, 25)
	for i := range want {
		want[i] = i * i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("outputs (-want +got):\n%s", diff)
	}
}

func TestSubmit_ParallelMergesInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Overrides = map[string]Override{"square": {Strategy: Parallel}}
	s := New(cfg, nil)
	in := make([]int, 1000)
	for i := range in {
		in[i] = i
	}
	var got []int
	merges := 0
	job := Submit(s, "square", in, square, func(out []int) {
		merges++
		got = out
	})
	s.Drain()
	if !job.Done() || merges != 1 {
		t.Fatalf("done=%v merges=%d", job.Done(), merges)
	}
	for i, v := range got {
		if v != i*i {
			t.Fatalf("out[%d]=%d", i, v)
		}
	}
	if st := s.Stats(); st.Parallel != 1 || st.Active != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSubmit_InlineRunsImmediately(t *testing.T) {
	s := New(testConfig(), nil)
	var got []int
	job := Submit(s, "small", []int{1, 2, 3}, square, func(out []int) { got = out })
	if !job.Done() || job.Strategy() != Inline {
		t.Fatalf("inline job not done")
	}
	if !cmp.Equal(got, []int{1, 4, 9}) {
		t.Fatalf("got=%v", got)
	}
	if _, ok := s.prof.Average("small"); !ok {
		t.Fatalf("inline run not profiled")
	}
}

func TestProfiler_SnapshotRestore(t *testing.T) {
	p := NewProfiler(4)
	p.Sample("apply", 10, 10*time.Millisecond)
	p.Sample("apply", 10, 30*time.Millisecond)
	p.Sample("find", 2, time.Millisecond)
	if p.Version() != 3 {
		t.Fatalf("version=%d", p.Version())
	}
	snap := p.Snapshot()
	want := []Baseline{
		{Op: "apply", AvgItemCost: 2 * time.Millisecond, AvgBatch: 10, Samples: 2},
		{Op: "find", AvgItemCost: 500 * time.Microsecond, AvgBatch: 2, Samples: 1},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}
	q := NewProfiler(4)
	q.Restore(snap)
	if diff := cmp.Diff(snap, q.Snapshot()); diff != "" {
		t.Fatalf("restored (-want +got):\n%s", diff)
	}
}
