package zone

import (
	"fmt"

	"github.com/google/go-cmp/cmp"

	"stockroom.ai/internal/sim/cache/index"
	"stockroom.ai/internal/sim/inventory"
)

// VerifyIndex flushes pending work, rebuilds the reverse index from the live
// slots and reports any difference from the incremental one.
func (z *Zone) VerifyIndex() error {
	if z.closed.Load() {
		return ErrZoneClosed
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.flushLocked()

	var live []inventory.Snapshot
	for _, id := range z.order {
		for _, s := range z.entities[id].slots {
			live = append(live, s.Snapshot())
		}
	}
	want := index.Rebuild(live).Export()
	if diff := cmp.Diff(want, z.ix.Export()); diff != "" {
		return fmt.Errorf("zone %s index drift (-live +indexed):\n%s", z.cfg.ID, diff)
	}
	return nil
}
