// Package sched picks an execution strategy for bulk work and runs it.
//
// Small or cheap batches run inline. Medium batches run in chunks sized to a
// per-tick budget and resume on the next Tick. Large batches with a measurable
// per-item cost fan out to worker goroutines over a private copy of the input;
// their results are merged on the goroutine that calls Tick or Wait.
package sched

import (
	"fmt"
	"runtime"
	"time"
)

type Strategy uint8

const (
	Auto Strategy = iota
	Inline
	Chunked
	Parallel
)

func (s Strategy) String() string {
	switch s {
	case Auto:
		return "auto"
	case Inline:
		return "inline"
	case Chunked:
		return "chunked"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("strategy_%d", uint8(s))
	}
}

func ParseStrategy(s string) (Strategy, error) {
	for _, v := range []Strategy{Auto, Inline, Chunked, Parallel} {
		if v.String() == s {
			return v, nil
		}
	}
	if s == "" {
		return Auto, nil
	}
	return Auto, fmt.Errorf("unknown strategy %q", s)
}

// Override pins behavior for one operation id.
type Override struct {
	Strategy    Strategy
	FrameBudget time.Duration
}

type Config struct {
	FrameBudget         time.Duration
	InlineMaxItems      int
	ParallelMinItems    int
	ParallelMinItemCost time.Duration
	InlineMaxCost       time.Duration
	DefaultItemCost     time.Duration
	Workers             int
	SampleWindow        int

	Overrides map[string]Override
}

func DefaultConfig() Config {
	return Config{
		FrameBudget:         16666 * time.Microsecond,
		InlineMaxItems:      32,
		ParallelMinItems:    1000,
		ParallelMinItemCost: 50 * time.Microsecond,
		InlineMaxCost:       2 * time.Millisecond,
		DefaultItemCost:     150 * time.Microsecond,
		Workers:             runtime.NumCPU(),
		SampleWindow:        64,
	}
}

// Normalize fills zero fields from DefaultConfig.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.FrameBudget <= 0 {
		c.FrameBudget = d.FrameBudget
	}
	if c.InlineMaxItems < 0 {
		c.InlineMaxItems = 0
	}
	if c.ParallelMinItems <= 0 {
		c.ParallelMinItems = d.ParallelMinItems
	}
	if c.ParallelMinItemCost <= 0 {
		c.ParallelMinItemCost = d.ParallelMinItemCost
	}
	if c.InlineMaxCost < 0 {
		c.InlineMaxCost = 0
	}
	if c.DefaultItemCost <= 0 {
		c.DefaultItemCost = d.DefaultItemCost
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = d.SampleWindow
	}
	return c
}
