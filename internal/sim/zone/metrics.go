package zone

import "stockroom.ai/internal/sim/sched"

type Metrics struct {
	Zone string `json:"zone"`
	Tick uint64 `json:"tick"`

	Entities     int `json:"entities"`
	IndexedSlots int `json:"indexed_slots"`
	IndexedKeys  int `json:"indexed_keys"`
	QueueDepth   int `json:"queue_depth"`
	Reservations int `json:"reservations"`
	NotFound     int `json:"not_found"`
	NoDropOff    int `json:"no_drop_off"`
	Disabled     int `json:"disabled"`

	Applied      uint64 `json:"applied"`
	Resyncs      uint64 `json:"resyncs"`
	BatchCommits uint64 `json:"batch_commits"`
	BatchRejects uint64 `json:"batch_rejects"`
	Conflicts    uint64 `json:"conflicts"`

	Sched   sched.Stats `json:"sched"`
	ApplyMS float64     `json:"apply_ms"`
}

func (z *Zone) Metrics() Metrics {
	if z == nil {
		return Metrics{}
	}
	v := z.metrics.Load()
	if v == nil {
		return Metrics{}
	}
	return v.(Metrics)
}

func (z *Zone) publishMetricsLocked() {
	z.metrics.Store(Metrics{
		Zone:         z.cfg.ID,
		Tick:         z.tick.Load(),
		Entities:     len(z.entities),
		IndexedSlots: z.ix.Len(),
		IndexedKeys:  z.ix.Keys(),
		QueueDepth:   z.QueueDepth(),
		Reservations: z.table.Len(),
		NotFound:     z.notFound.Len(),
		NoDropOff:    z.noDrop.Len(),
		Disabled:     z.disabled.Len(),
		Applied:      z.applied,
		Resyncs:      z.resyncs,
		BatchCommits: z.commits.Load(),
		BatchRejects: z.rejects.Load(),
		Conflicts:    z.conflicts.Load(),
		Sched:        z.sched.Stats(),
		ApplyMS:      float64(z.applyDur.Microseconds()) / 1000,
	})
}
