package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"stockroom.ai/internal/sim/items"
)

// DefaultStackLimit applies to kinds the catalog does not list.
const DefaultStackLimit = 20

type Catalogs struct {
	Items ItemCatalog
}

type ItemCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]ItemDef
	PaletteDigest string
	DefsDigest    string

	// Fallback limit for unknown kinds; DefaultStackLimit when zero.
	Fallback int
}

type ItemDef struct {
	ID         string         `json:"id"`
	StackLimit int            `json:"stack_limit"`
	Graded     bool           `json:"graded,omitempty"`
	Packagings []string       `json:"packagings,omitempty"`
	PackLimits map[string]int `json:"packaging_stack_limits,omitempty"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadItems(filepath.Join(configDir, "items.json"), &c.Items); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a catalog with no definitions; every kind uses the fallback limit.
func Default() *Catalogs {
	c := &Catalogs{}
	_ = c.Items.set(nil, nil)
	return c
}

// FromDefs builds a catalog directly, mainly for tests and synthetic drivers.
func FromDefs(defs []ItemDef) (*Catalogs, error) {
	raw, err := json.Marshal(defs)
	if err != nil {
		return nil, err
	}
	c := &Catalogs{}
	if err := c.Items.set(raw, defs); err != nil {
		return nil, err
	}
	return c, nil
}

// StackLimit returns the per-stack maximum for k. Packaging-specific limits
// override the kind limit.
func (c *ItemCatalog) StackLimit(k items.Key) int {
	if c == nil {
		return DefaultStackLimit
	}
	fallback := c.Fallback
	if fallback <= 0 {
		fallback = DefaultStackLimit
	}
	if k.IsEmpty() {
		return fallback
	}
	d, ok := c.Defs[k.Kind]
	if !ok {
		return fallback
	}
	if k.Packaging != "" {
		if n := d.PackLimits[k.Packaging]; n > 0 {
			return n
		}
	}
	if d.StackLimit > 0 {
		return d.StackLimit
	}
	return fallback
}

func (c *ItemCatalog) Known(kind string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Defs[kind]
	return ok
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadItems(path string, out *ItemCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []ItemDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("items.json: %w", err)
	}
	if err := out.set(raw, defs); err != nil {
		return fmt.Errorf("items.json: %w", err)
	}
	return nil
}

func (out *ItemCatalog) set(raw []byte, defs []ItemDef) error {
	out.DefsDigest = sha256Hex(raw)
	out.Defs = map[string]ItemDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("empty id")
		}
		if d.ID == items.AnyKind {
			return fmt.Errorf("%q is reserved", items.AnyKind)
		}
		if d.StackLimit < 0 {
			return fmt.Errorf("%s: negative stack_limit", d.ID)
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("%s: duplicate id", d.ID)
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}
