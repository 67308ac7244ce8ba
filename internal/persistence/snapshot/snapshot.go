// Package snapshot writes and reads zone snapshots: a JSON header line
// followed by a gob body, zstd-compressed.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"stockroom.ai/internal/sim/inventory"
	"stockroom.ai/internal/sim/items"
	"stockroom.ai/internal/sim/zone"
)

const Version = 1

const suffix = ".snap.zst"

type Header struct {
	Version   int    `json:"version"`
	Zone      string `json:"zone"`
	Tick      uint64 `json:"tick"`
	CreatedAt string `json:"created_at"`
	Entities  int    `json:"entities"`
}

type ZoneSnapshotV1 struct {
	Header   Header     `json:"header"`
	Entities []EntityV1 `json:"entities"`
}

type EntityV1 struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Accept  string   `json:"accept"`
	Items   []string `json:"items,omitempty"`
	AtLeast bool     `json:"at_least,omitempty"`
	Busy    bool     `json:"busy,omitempty"`
	Slots   []SlotV1 `json:"slots"`
}

// Reservation locks are not part of a snapshot.
type SlotV1 struct {
	Index    int    `json:"index"`
	Role     string `json:"role"`
	Limit    int    `json:"limit,omitempty"`
	Item     string `json:"item,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
}

// FromZone converts an export of zoneID taken at tick.
func FromZone(zoneID string, tick uint64, ents []zone.EntityState, now time.Time) ZoneSnapshotV1 {
	snap := ZoneSnapshotV1{
		Header: Header{
			Version:   Version,
			Zone:      zoneID,
			Tick:      tick,
			CreatedAt: now.UTC().Format(time.RFC3339),
			Entities:  len(ents),
		},
		Entities: make([]EntityV1, 0, len(ents)),
	}
	for _, e := range ents {
		ev := EntityV1{
			ID:      e.ID.String(),
			Kind:    e.Kind.String(),
			Accept:  e.Policy.Mode.String(),
			AtLeast: e.Policy.Tolerance == items.QualityAtLeast,
			Busy:    e.Busy,
			Slots:   make([]SlotV1, len(e.Slots)),
		}
		for _, k := range e.Policy.Items {
			ev.Items = append(ev.Items, k.String())
		}
		for i, s := range e.Slots {
			ev.Slots[i] = SlotV1{Index: s.Index, Role: s.Role.String(), Limit: s.SlotLimit, Quantity: s.Quantity}
			if s.Holds() {
				ev.Slots[i].Item = s.Key.String()
			}
		}
		snap.Entities = append(snap.Entities, ev)
	}
	return snap
}

// Specs rebuilds live slots for every entity. The slots are unbound; the
// zone binds them on registration.
func (s ZoneSnapshotV1) Specs(limits inventory.StackLimiter) ([]zone.EntitySpec, error) {
	out := make([]zone.EntitySpec, 0, len(s.Entities))
	for _, ev := range s.Entities {
		spec, err := ev.spec(limits)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", ev.ID, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

func (ev EntityV1) spec(limits inventory.StackLimiter) (zone.EntitySpec, error) {
	var spec zone.EntitySpec
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return spec, fmt.Errorf("bad id %q: %w", ev.ID, err)
	}
	kind, ok := inventory.ParseEntityKind(ev.Kind)
	if !ok {
		return spec, fmt.Errorf("unknown kind %q", ev.Kind)
	}
	mode, ok := parseAccept(ev.Accept)
	if !ok {
		return spec, fmt.Errorf("unknown accept mode %q", ev.Accept)
	}
	spec = zone.EntitySpec{ID: id, Kind: kind, Busy: ev.Busy, Policy: zone.AcceptPolicy{Mode: mode}}
	if ev.AtLeast {
		spec.Policy.Tolerance = items.QualityAtLeast
	}
	for _, raw := range ev.Items {
		k, err := items.ParseKey(raw)
		if err != nil {
			return spec, err
		}
		spec.Policy.Items = append(spec.Policy.Items, k)
	}
	for _, sv := range ev.Slots {
		role, ok := inventory.ParseRole(sv.Role)
		if !ok {
			return spec, fmt.Errorf("slot %d: unknown role %q", sv.Index, sv.Role)
		}
		slot := inventory.NewSlot(id, sv.Index, role, limits).WithLimit(sv.Limit)
		if sv.Item != "" && sv.Quantity > 0 {
			k, err := items.ParseKey(sv.Item)
			if err != nil {
				return spec, fmt.Errorf("slot %d: %w", sv.Index, err)
			}
			if err := slot.Set(items.Stack{Key: k, Quantity: sv.Quantity}); err != nil {
				return spec, fmt.Errorf("slot %d: %w", sv.Index, err)
			}
		}
		spec.Slots = append(spec.Slots, slot)
	}
	return spec, nil
}

func parseAccept(s string) (zone.AcceptMode, bool) {
	for _, m := range []zone.AcceptMode{zone.AcceptNone, zone.AcceptAny, zone.AcceptSpecific} {
		if m.String() == s {
			return m, true
		}
	}
	return zone.AcceptNone, false
}

func Path(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", tick, suffix))
}

// Latest returns the highest-tick snapshot in dir, or "" when there is none.
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), suffix), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, e.Name())
		}
	}
	return best
}

func WriteSnapshot(path string, snap ZoneSnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap ZoneSnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (ZoneSnapshotV1, error) {
	var snap ZoneSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, err
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
