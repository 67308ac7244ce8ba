package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockroom.ai/internal/sim/sched"
)

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	doc := `
tick_rate_hz: 10
scheduler:
  inline_max_items: 16
  overrides:
    zone.apply:
      strategy: chunked
      frame_budget_us: 4000
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickInterval() != 100*time.Millisecond {
		t.Fatalf("interval=%s", tu.TickInterval())
	}
	cfg := tu.SchedConfig()
	if cfg.InlineMaxItems != 16 || cfg.ParallelMinItems != sched.DefaultConfig().ParallelMinItems {
		t.Fatalf("cfg=%+v", cfg)
	}
	ov := cfg.Overrides["zone.apply"]
	if ov.Strategy != sched.Chunked || ov.FrameBudget != 4*time.Millisecond {
		t.Fatalf("override=%+v", ov)
	}
	if tu.LeakAge() != 30*time.Second {
		t.Fatalf("leak age=%s", tu.LeakAge())
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"rate":     "tick_rate_hz: 0\n",
		"order":    "scheduler:\n  inline_max_items: 50\n  parallel_min_items: 40\n",
		"strategy": "scheduler:\n  overrides:\n    x:\n      strategy: turbo\n",
	}
	for name, doc := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad_RepoTuningYAML(t *testing.T) {
	tu, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if tu.TickRateHz != 20 || tu.TickInterval() != 50*time.Millisecond {
		t.Fatalf("tick rate: %+v", tu)
	}
	if _, ok := tu.SchedConfig().Overrides["zone.find_items"]; !ok {
		t.Fatalf("override missing: %+v", tu.Scheduler.Overrides)
	}
}
