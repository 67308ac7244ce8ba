package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stockroom.ai/internal/sim/sched"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	Scheduler Scheduler `yaml:"scheduler"`

	ReservationLeakAgeMs int `yaml:"reservation_leak_age_ms"`
	LeakReportEveryTicks int `yaml:"leak_report_every_ticks"`
	PendingQueueLimit    int `yaml:"pending_queue_limit"`
}

type Scheduler struct {
	FrameBudgetUs         int `yaml:"frame_budget_us"`
	InlineMaxItems        int `yaml:"inline_max_items"`
	ParallelMinItems      int `yaml:"parallel_min_items"`
	ParallelMinItemCostUs int `yaml:"parallel_min_item_cost_us"`
	InlineMaxCostUs       int `yaml:"inline_max_cost_us"`
	DefaultItemCostUs     int `yaml:"default_item_cost_us"`
	SampleWindow          int `yaml:"sample_window"`
	Workers               int `yaml:"workers"`

	Overrides map[string]Override `yaml:"overrides"`
}

type Override struct {
	Strategy      string `yaml:"strategy"`
	FrameBudgetUs int    `yaml:"frame_budget_us"`
}

func Defaults() Tuning {
	d := sched.DefaultConfig()
	return Tuning{
		TickRateHz: 20,
		Scheduler: Scheduler{
			FrameBudgetUs:         int(d.FrameBudget / time.Microsecond),
			InlineMaxItems:        d.InlineMaxItems,
			ParallelMinItems:      d.ParallelMinItems,
			ParallelMinItemCostUs: int(d.ParallelMinItemCost / time.Microsecond),
			InlineMaxCostUs:       int(d.InlineMaxCost / time.Microsecond),
			DefaultItemCostUs:     int(d.DefaultItemCost / time.Microsecond),
			SampleWindow:          d.SampleWindow,
		},
		ReservationLeakAgeMs: 30_000,
		LeakReportEveryTicks: 200,
		PendingQueueLimit:    65536,
	}
}

// Load reads path over Defaults, so omitted keys keep their default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	}
	s := t.Scheduler
	if s.InlineMaxItems < 0 || s.ParallelMinItems < 0 || s.Workers < 0 || s.SampleWindow < 0 {
		return fmt.Errorf("scheduler thresholds must be >= 0")
	}
	if s.ParallelMinItems > 0 && s.ParallelMinItems <= s.InlineMaxItems {
		return fmt.Errorf("parallel_min_items (%d) must exceed inline_max_items (%d)", s.ParallelMinItems, s.InlineMaxItems)
	}
	for op, ov := range s.Overrides {
		if _, err := sched.ParseStrategy(ov.Strategy); err != nil {
			return fmt.Errorf("scheduler.overrides.%s: %w", op, err)
		}
	}
	if t.ReservationLeakAgeMs < 0 || t.PendingQueueLimit < 0 {
		return fmt.Errorf("reservation_leak_age_ms and pending_queue_limit must be >= 0")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	if t.TickRateHz <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) LeakAge() time.Duration {
	return time.Duration(t.ReservationLeakAgeMs) * time.Millisecond
}

// SchedConfig converts the scheduler section. Zero values fall back to
// sched defaults.
func (t Tuning) SchedConfig() sched.Config {
	s := t.Scheduler
	us := func(n int) time.Duration { return time.Duration(n) * time.Microsecond }
	cfg := sched.Config{
		FrameBudget:         us(s.FrameBudgetUs),
		InlineMaxItems:      s.InlineMaxItems,
		ParallelMinItems:    s.ParallelMinItems,
		ParallelMinItemCost: us(s.ParallelMinItemCostUs),
		InlineMaxCost:       us(s.InlineMaxCostUs),
		DefaultItemCost:     us(s.DefaultItemCostUs),
		Workers:             s.Workers,
		SampleWindow:        s.SampleWindow,
	}
	if len(s.Overrides) > 0 {
		cfg.Overrides = make(map[string]sched.Override, len(s.Overrides))
		for op, ov := range s.Overrides {
			st, _ := sched.ParseStrategy(ov.Strategy)
			cfg.Overrides[op] = sched.Override{Strategy: st, FrameBudget: us(ov.FrameBudgetUs)}
		}
	}
	return cfg.Normalize()
}
