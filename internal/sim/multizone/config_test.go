package multizone

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "zones.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write zones.yaml: %v", err)
	}
	return p
}

func TestLoad_RepoZonesYAML(t *testing.T) {
	cfg, err := Load("../../../configs/zones.yaml")
	if err != nil {
		t.Fatalf("load zones.yaml: %v", err)
	}
	if len(cfg.Zones) == 0 {
		t.Fatalf("expected zones")
	}
	def, ok := cfg.Spec(cfg.DefaultZone)
	if !ok || !def.Activate {
		t.Fatalf("default zone %q missing or inactive", cfg.DefaultZone)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultZone != "MAIN" || len(cfg.Zones) != 1 || !cfg.Zones[0].Activate {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestLoad_NormalizesSyntheticAndDefault(t *testing.T) {
	p := writeYAML(t, `
zones:
  - id: north
    synthetic:
      racks: 3
  - id: south
    activate: true
    pending_limit: 128
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Config{
		DefaultZone: "north",
		Zones: []ZoneSpec{
			{ID: "north", Activate: true, Synthetic: Synthetic{Racks: 3, SlotsPerRack: 8, FillRatio: 0.5}},
			{ID: "south", Activate: true, PendingLimit: 128},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key": `
zones:
  - id: a
    colour: red
`,
		"bad id": `
zones:
  - id: "a b"
`,
		"negative count": `
zones:
  - id: a
    synthetic:
      racks: -1
`,
		"fill ratio": `
zones:
  - id: a
    synthetic:
      fill_ratio: 2
`,
		"no zones": `
default_zone: a
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeYAML(t, body)); err == nil {
				t.Fatalf("expected error")
			} else if !strings.HasPrefix(err.Error(), "zones.yaml: ") {
				t.Fatalf("error without file context: %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	dup := Config{DefaultZone: "a", Zones: []ZoneSpec{{ID: "a"}, {ID: "a"}}}
	if err := dup.Validate(); err == nil {
		t.Fatalf("duplicate ids accepted")
	}
	missing := Config{DefaultZone: "b", Zones: []ZoneSpec{{ID: "a"}}}
	if err := missing.Validate(); err == nil {
		t.Fatalf("unknown default zone accepted")
	}
	ok := Config{DefaultZone: "a", Zones: []ZoneSpec{{ID: "a"}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
