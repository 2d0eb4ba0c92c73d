package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.DataDir != "./data" || cfg.SnapshotEverySec != 60 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoad_OverridesAndUsers(t *testing.T) {
	p := writeConfig(t, `
addr: ":9000"
data_dir: /var/lib/loreforge
grid_pitch: 50
users:
  - token: tok-dm
    id: u-dm
    display_name: Dana
  - token: tok-pl
    id: u-pl
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.GridPitch != 50 {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Unset fields keep their defaults.
	if cfg.MapWidth != 1600 || cfg.SnapshotEverySec != 60 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Users) != 2 || cfg.Users[0].DisplayName != "Dana" {
		t.Fatalf("users = %+v", cfg.Users)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty token":     "users:\n  - token: \"\"\n    id: u1\n",
		"empty user id":   "users:\n  - token: t1\n    id: \"\"\n",
		"duplicate token": "users:\n  - token: t1\n    id: u1\n  - token: t1\n    id: u2\n",
		"duplicate id":    "users:\n  - token: t1\n    id: u1\n  - token: t2\n    id: u1\n",
		"bad grid pitch":  "grid_pitch: -5\n",
		"bad map size":    "map_width: 0\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: accepted", name)
		}
	}
}
