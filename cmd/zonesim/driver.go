package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync/atomic"

	"github.com/google/uuid"

	"stockroom.ai/internal/sim/cache/disabled"
	"stockroom.ai/internal/sim/catalogs"
	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/multizone"
	"stockroom.ai/internal/sim/zone"
)

var fallbackKinds = []string{"wood", "stone", "ore", "cloth", "grain"}

type entityRef struct {
	id    inventory.EntityID
	slots []*inventory.Slot
}

type station struct {
	entityRef
	inputs  []*inventory.Slot
	output  *inventory.Slot
	product items.Key
	needs   []items.Key
}

type population struct {
	racks    []entityRef
	docks    []entityRef
	agents   []entityRef
	stations []*station
}

type driverStats struct {
	Fetches      uint64 `json:"fetches"`
	Deliveries   uint64 `json:"deliveries"`
	Crafts       uint64 `json:"crafts"`
	Misses       uint64 `json:"misses"`
	Probes       uint64 `json:"probes"`
	ProbeHits    uint64 `json:"probe_hits"`
	Rejects      uint64 `json:"rejects"`
	Disables     uint64 `json:"disables"`
	Reactivated  uint64 `json:"reactivated"`
	VerifyErrors uint64 `json:"verify_errors"`
}

// driver generates a synthetic warehouse workload: agents fetch stock from
// racks and station outputs, deliver it to stations and docks, and stations
// turn inputs into products.
type driver struct {
	mgr    *multizone.Manager
	cats   *catalogs.Catalogs
	keys   []items.Key
	rng    *rand.Rand
	logger *log.Logger
	batch  int

	zones map[string]*population

	fetches, deliveries, crafts, misses, rejects atomic.Uint64
	disables, reactivated, verifyErrors          atomic.Uint64
	probes, probeHits                            atomic.Uint64
}

func newDriver(mgr *multizone.Manager, cats *catalogs.Catalogs, seed int64, batchesPerTick int, logger *log.Logger) *driver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := &driver{
		mgr:    mgr,
		cats:   cats,
		keys:   itemKeys(cats),
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
		batch:  max(batchesPerTick, 1),
		zones:  map[string]*population{},
	}
	mgr.OnReactivate(func(zone.Reactivation) { d.reactivated.Add(1) })
	return d
}

// itemKeys expands the catalog into every identity the driver may stock:
// each packaging of a kind and, for graded kinds, each quality tier.
func itemKeys(cats *catalogs.Catalogs) []items.Key {
	var out []items.Key
	if cats != nil {
		for _, kind := range cats.Items.Palette {
			def := cats.Items.Defs[kind]
			packs := append([]string{""}, def.Packagings...)
			quals := []items.Quality{items.QualityNone}
			if def.Graded {
				quals = []items.Quality{items.QualityPoor, items.QualityStandard, items.QualityPremium}
			}
			for _, p := range packs {
				for _, q := range quals {
					out = append(out, items.Key{Kind: kind, Packaging: p, Quality: q})
				}
			}
		}
	}
	if len(out) == 0 {
		for _, k := range fallbackKinds {
			out = append(out, items.Key{Kind: k})
		}
	}
	return out
}

func (d *driver) stats() driverStats {
	return driverStats{
		Fetches:      d.fetches.Load(),
		Deliveries:   d.deliveries.Load(),
		Crafts:       d.crafts.Load(),
		Misses:       d.misses.Load(),
		Probes:       d.probes.Load(),
		ProbeHits:    d.probeHits.Load(),
		Rejects:      d.rejects.Load(),
		Disables:     d.disables.Load(),
		Reactivated:  d.reactivated.Load(),
		VerifyErrors: d.verifyErrors.Load(),
	}
}

func (d *driver) key() items.Key { return d.keys[d.rng.Intn(len(d.keys))] }

func (d *driver) newID(zoneID, kind string, i int) inventory.EntityID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", zoneID, kind, i)))
}

func (d *driver) slots(id inventory.EntityID, n int, role inventory.Role) []*inventory.Slot {
	out := make([]*inventory.Slot, n)
	for i := range out {
		out[i] = inventory.NewSlot(id, i, role, &d.cats.Items)
	}
	return out
}

// populate registers the synthetic entities of one zone. Racks are stocked
// before registration so the initial index build sees them.
func (d *driver) populate(zoneID string, syn multizone.Synthetic) error {
	z := d.mgr.Zone(zoneID)
	if z == nil {
		return fmt.Errorf("zone %s not active", zoneID)
	}
	pop := &population{}

	for i := 0; i < syn.Racks; i++ {
		id := d.newID(zoneID, "rack", i)
		ss := d.slots(id, syn.SlotsPerRack, inventory.RoleStorage)
		for _, s := range ss {
			if d.rng.Float64() >= syn.FillRatio {
				continue
			}
			k := d.key()
			n := 1 + d.rng.Intn(max(d.cats.Items.StackLimit(k), 1))
			if err := s.Insert(k, n); err != nil {
				return err
			}
		}
		policy := zone.AcceptPolicy{Mode: zone.AcceptAny}
		if i%2 == 1 {
			policy = zone.AcceptPolicy{Mode: zone.AcceptSpecific, Items: []items.Key{d.key(), d.key()}}
		}
		if err := z.RegisterEntity(zone.EntitySpec{ID: id, Kind: inventory.KindStorage, Slots: ss, Policy: policy}); err != nil {
			return err
		}
		pop.racks = append(pop.racks, entityRef{id: id, slots: ss})
	}

	for i := 0; i < syn.Stations; i++ {
		id := d.newID(zoneID, "station", i)
		in := d.slots(id, 2, inventory.RoleInput)
		out := inventory.NewSlot(id, 2, inventory.RoleOutput, &d.cats.Items)
		st := &station{
			entityRef: entityRef{id: id, slots: append(append([]*inventory.Slot{}, in...), out)},
			inputs:    in,
			output:    out,
			product:   d.key(),
			needs:     []items.Key{d.key(), d.key()},
		}
		policy := zone.AcceptPolicy{Mode: zone.AcceptSpecific, Items: st.needs}
		if err := z.RegisterEntity(zone.EntitySpec{ID: id, Kind: inventory.KindStation, Slots: st.slots, Policy: policy}); err != nil {
			return err
		}
		pop.stations = append(pop.stations, st)
	}

	for i := 0; i < syn.Docks; i++ {
		id := d.newID(zoneID, "dock", i)
		ss := d.slots(id, 4, inventory.RoleStorage)
		if err := z.RegisterEntity(zone.EntitySpec{ID: id, Kind: inventory.KindLoadingDock, Slots: ss, Policy: zone.AcceptPolicy{Mode: zone.AcceptAny}}); err != nil {
			return err
		}
		pop.docks = append(pop.docks, entityRef{id: id, slots: ss})
	}

	for i := 0; i < syn.Agents; i++ {
		id := d.newID(zoneID, "agent", i)
		ss := d.slots(id, 4, inventory.RoleInventory)
		if err := z.RegisterEntity(zone.EntitySpec{ID: id, Kind: inventory.KindAgent, Slots: ss}); err != nil {
			return err
		}
		pop.agents = append(pop.agents, entityRef{id: id, slots: ss})
	}

	d.zones[zoneID] = pop
	d.logger.Printf("populated zone %s: racks=%d stations=%d docks=%d agents=%d",
		zoneID, len(pop.racks), len(pop.stations), len(pop.docks), len(pop.agents))
	return nil
}

// adopt registers entities restored from a snapshot and sorts them into the
// zone's population by kind.
func (d *driver) adopt(zoneID string, specs []zone.EntitySpec) error {
	z := d.mgr.Zone(zoneID)
	if z == nil {
		return fmt.Errorf("zone %s not active", zoneID)
	}
	pop := &population{}
	for _, spec := range specs {
		if err := z.RegisterEntity(spec); err != nil {
			return err
		}
		ref := entityRef{id: spec.ID, slots: spec.Slots}
		switch spec.Kind {
		case inventory.KindStorage:
			pop.racks = append(pop.racks, ref)
		case inventory.KindLoadingDock:
			pop.docks = append(pop.docks, ref)
		case inventory.KindAgent:
			pop.agents = append(pop.agents, ref)
		case inventory.KindStation:
			st := &station{entityRef: ref, product: d.key(), needs: spec.Policy.Items}
			for _, s := range spec.Slots {
				switch s.Role() {
				case inventory.RoleInput:
					st.inputs = append(st.inputs, s)
				case inventory.RoleOutput:
					if st.output == nil {
						st.output = s
					}
				}
			}
			if st.output == nil || len(st.inputs) == 0 {
				continue
			}
			if len(st.needs) == 0 {
				st.needs = []items.Key{d.key(), d.key()}
			}
			pop.stations = append(pop.stations, st)
		}
	}
	d.zones[zoneID] = pop
	d.logger.Printf("restored zone %s: racks=%d stations=%d docks=%d agents=%d",
		zoneID, len(pop.racks), len(pop.stations), len(pop.docks), len(pop.agents))
	return nil
}

// step runs one tick's worth of work in every populated zone. It must be
// called from the goroutine that ticks the manager.
func (d *driver) step() {
	for _, id := range d.mgr.ZoneIDs() {
		pop := d.zones[id]
		z := d.mgr.Zone(id)
		if pop == nil || z == nil {
			continue
		}
		d.survey(z, pop)
		for i := 0; i < d.batch; i++ {
			switch r := d.rng.Intn(10); {
			case r < 4:
				d.fetch(z, pop)
			case r < 8:
				d.deliver(z, pop)
			default:
				d.craft(z, pop)
			}
		}
	}
}

// survey looks up every station input in one bulk search.
func (d *driver) survey(z *zone.Zone, pop *population) {
	var reqs []zone.ItemRequest
	for _, st := range pop.stations {
		for _, k := range st.needs {
			reqs = append(reqs, zone.ItemRequest{Key: k, Needed: 1, Tolerance: items.QualityExact})
		}
	}
	if len(reqs) == 0 {
		return
	}
	hits := 0
	for _, r := range z.FindItems(reqs) {
		if r.Found {
			hits++
		}
	}
	d.probes.Add(uint64(len(reqs)))
	d.probeHits.Add(uint64(hits))
}

func (d *driver) holder(agent inventory.EntityID) string { return "agent:" + agent.String() }

func (d *driver) fetch(z *zone.Zone, pop *population) {
	if len(pop.agents) == 0 {
		return
	}
	agent := pop.agents[d.rng.Intn(len(pop.agents))]
	k := d.key()
	grants := z.FindAvailableSlots(agent.id, k, 1+d.rng.Intn(5))
	want := 0
	for _, g := range grants {
		want += g.Capacity
	}
	if want == 0 {
		return
	}
	src, ok := z.FindItem(k, want, items.QualityExact)
	if !ok {
		d.misses.Add(1)
		return
	}

	holder := d.holder(agent.id)
	var ops []zone.Op
	remaining := want
	for _, s := range src.Slots {
		n := min(remaining, s.Quantity)
		if n <= 0 {
			break
		}
		ops = append(ops, zone.Op{Slot: s.SlotKey(), Key: s.Key, Quantity: n, Holder: holder, Reason: "fetch"})
		remaining -= n
	}
	remaining = want
	for _, g := range grants {
		n := min(remaining, g.Capacity)
		if n <= 0 {
			break
		}
		ops = append(ops, zone.Op{Slot: g.Slot, Key: k, Quantity: n, Insert: true, Holder: holder, Reason: "fetch"})
		remaining -= n
	}
	d.run(z, ops, &d.fetches)
}

func (d *driver) deliver(z *zone.Zone, pop *population) {
	if len(pop.agents) == 0 {
		return
	}
	agent := pop.agents[d.rng.Intn(len(pop.agents))]
	var from *inventory.Slot
	for _, s := range agent.slots {
		if !s.Stack().IsEmpty() {
			from = s
			break
		}
	}
	if from == nil {
		return
	}
	st := from.Stack()
	if z.IsNoDropOff(st.Key) {
		d.misses.Add(1)
		return
	}
	dests := z.FindDeliveryDestination(st.Key, st.Quantity, agent.id)
	if len(dests) == 0 {
		d.misses.Add(1)
		return
	}

	holder := d.holder(agent.id)
	var inserts []zone.Op
	total := 0
	for _, dst := range dests {
		for _, g := range dst.Slots {
			inserts = append(inserts, zone.Op{Slot: g.Slot, Key: st.Key, Quantity: g.Capacity, Insert: true, Holder: holder, Reason: "deliver"})
			total += g.Capacity
		}
	}
	ops := append([]zone.Op{{Slot: from.Key(), Key: st.Key, Quantity: total, Holder: holder, Reason: "deliver"}}, inserts...)
	d.run(z, ops, &d.deliveries)
}

// craft consumes one unit from each stocked input of a station and adds one
// product to its output. Stations with an empty input are disabled until the
// missing items show up.
func (d *driver) craft(z *zone.Zone, pop *population) {
	if len(pop.stations) == 0 {
		return
	}
	st := pop.stations[d.rng.Intn(len(pop.stations))]
	if z.IsDisabled(st.id) {
		return
	}
	var ops []zone.Op
	holder := "station:" + st.id.String()
	for _, in := range st.inputs {
		s := in.Stack()
		if s.IsEmpty() {
			if err := z.DisableEntity(disabled.Record{
				Entity:   st.id,
				ActionID: "craft",
				Reason:   disabled.MissingItem,
				Required: st.needs,
				Mode:     disabled.AnyOf,
			}); err == nil {
				d.disables.Add(1)
			}
			return
		}
		ops = append(ops, zone.Op{Slot: in.Key(), Key: s.Key, Quantity: 1, Holder: holder, Reason: "craft"})
	}
	ops = append(ops, zone.Op{Slot: st.output.Key(), Key: st.product, Quantity: 1, Insert: true, Holder: holder, Reason: "craft"})

	err := z.ExecuteBatch(ops)
	busy := errors.Is(err, zone.ErrCapacityExceeded) || errors.Is(err, zone.ErrIdentityMismatch)
	_ = z.SetStationBusy(st.id, busy)
	if err != nil {
		d.rejects.Add(1)
		return
	}
	d.crafts.Add(1)
}

func (d *driver) run(z *zone.Zone, ops []zone.Op, ok *atomic.Uint64) {
	if err := z.ExecuteBatch(ops); err != nil {
		d.rejects.Add(1)
		return
	}
	ok.Add(1)
}

// verify checks every zone's index against its live slots.
func (d *driver) verify() {
	for _, id := range d.mgr.ZoneIDs() {
		z := d.mgr.Zone(id)
		if z == nil {
			continue
		}
		if err := z.VerifyIndex(); err != nil {
			d.verifyErrors.Add(1)
			d.logger.Printf("zone %s: index drift: %v", id, err)
		}
	}
}
