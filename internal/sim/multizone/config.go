package multizone

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed zones.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

type Config struct {
	DefaultZone string     `yaml:"default_zone"`
	Zones       []ZoneSpec `yaml:"zones"`
}

type ZoneSpec struct {
	ID       string `yaml:"id"`
	Owner    string `yaml:"owner,omitempty"`
	Activate bool   `yaml:"activate"`

	// Zero inherits the tuning value.
	PendingLimit int `yaml:"pending_limit,omitempty"`
	LeakAgeMs    int `yaml:"leak_age_ms,omitempty"`

	Synthetic Synthetic `yaml:"synthetic,omitempty"`
}

// Synthetic sizes the generated population used by the simulator driver.
type Synthetic struct {
	Racks        int     `yaml:"racks"`
	SlotsPerRack int     `yaml:"slots_per_rack"`
	Stations     int     `yaml:"stations"`
	Docks        int     `yaml:"docks"`
	Agents       int     `yaml:"agents"`
	FillRatio    float64 `yaml:"fill_ratio"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("zones.yaml: %w", err)
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("zones.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("zones.yaml: %w", err)
	}
	return cfg, nil
}

// validateSchema checks the raw document shape before it is decoded into
// Config, so unknown keys and wrong types are reported with their path.
func validateSchema(raw []byte) error {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("zones.schema.json", schemaJSON)
	})
	if schemaErr != nil {
		return schemaErr
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	// Round-trip through JSON so the validator sees JSON value types.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func defaults() Config {
	return Config{
		DefaultZone: "MAIN",
		Zones: []ZoneSpec{
			{
				ID:       "MAIN",
				Activate: true,
				Synthetic: Synthetic{
					Racks:        8,
					SlotsPerRack: 12,
					Stations:     4,
					Docks:        2,
					Agents:       6,
					FillRatio:    0.5,
				},
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Zones {
		z := &c.Zones[i]
		z.ID = strings.TrimSpace(z.ID)
		s := &z.Synthetic
		if s.Racks > 0 && s.SlotsPerRack <= 0 {
			s.SlotsPerRack = 8
		}
		if s.FillRatio <= 0 && s.Racks > 0 {
			s.FillRatio = 0.5
		}
	}
	if strings.TrimSpace(c.DefaultZone) == "" && len(c.Zones) > 0 {
		c.DefaultZone = c.Zones[0].ID
	}
	// A default zone is always active.
	for i := range c.Zones {
		if c.Zones[i].ID == c.DefaultZone {
			c.Zones[i].Activate = true
		}
	}
}

func (c Config) Validate() error {
	if len(c.Zones) == 0 {
		return fmt.Errorf("zones must not be empty")
	}
	seen := map[string]bool{}
	for _, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone id must not be empty")
		}
		if seen[z.ID] {
			return fmt.Errorf("duplicate zone id: %s", z.ID)
		}
		seen[z.ID] = true
		if z.PendingLimit < 0 {
			return fmt.Errorf("zone %s pending_limit must be >= 0", z.ID)
		}
		if z.LeakAgeMs < 0 {
			return fmt.Errorf("zone %s leak_age_ms must be >= 0", z.ID)
		}
		s := z.Synthetic
		if s.Racks < 0 || s.SlotsPerRack < 0 || s.Stations < 0 || s.Docks < 0 || s.Agents < 0 {
			return fmt.Errorf("zone %s synthetic counts must be >= 0", z.ID)
		}
		if s.FillRatio < 0 || s.FillRatio > 1 {
			return fmt.Errorf("zone %s synthetic.fill_ratio must be in [0,1]", z.ID)
		}
	}
	if !seen[c.DefaultZone] {
		return fmt.Errorf("default_zone %q not found in zones", c.DefaultZone)
	}
	return nil
}

func (c Config) Spec(id string) (ZoneSpec, bool) {
	for _, z := range c.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return ZoneSpec{}, false
}
