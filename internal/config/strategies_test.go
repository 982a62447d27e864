package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultStrategyTable(t *testing.T) {
	table := DefaultStrategyTable()
	for _, name := range []string{"conservative", "moderate", "aggressive", "disabled"} {
		if _, ok := table[name]; !ok {
			t.Errorf("missing strategy %q", name)
		}
	}
	if table["disabled"].Concurrency != 0 {
		t.Errorf("disabled strategy must not fetch: %+v", table["disabled"])
	}
	if table["aggressive"].Radius <= table["conservative"].Radius {
		t.Error("aggressive should reach further than conservative")
	}
}

func TestLoadStrategyTableEmptyPath(t *testing.T) {
	table, err := LoadStrategyTable("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table) != 4 {
		t.Errorf("expected defaults, got %d strategies", len(table))
	}
}

func TestLoadStrategyTableOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	content := "moderate:\n  radius: 5\n  concurrency: 8\n  keep_range: 6\ncustom:\n  radius: 1\n  concurrency: 1\n  keep_range: 1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadStrategyTable(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table["moderate"].Radius != 5 || table["moderate"].Concurrency != 8 {
		t.Errorf("override not applied: %+v", table["moderate"])
	}
	if table["conservative"].Radius != 1 {
		t.Errorf("untouched default lost: %+v", table["conservative"])
	}
	if _, ok := table["custom"]; !ok {
		t.Error("new strategy not added")
	}
}

func TestLoadStrategyTableRejectsNegatives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte("moderate:\n  radius: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadStrategyTable(path); err == nil {
		t.Error("expected error for negative radius")
	}
}

func TestLoadStrategyTableMissingFile(t *testing.T) {
	if _, err := LoadStrategyTable(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
