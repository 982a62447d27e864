package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StrategyProfile tunes how aggressively the prefetcher works for one
// named strategy. Radius is how many pages on each side of the current
// page are prefetched; Concurrency bounds simultaneous fetches.
type StrategyProfile struct {
	Radius      int `yaml:"radius"`
	Concurrency int `yaml:"concurrency"`
	KeepRange   int `yaml:"keep_range"`
}

// StrategyTable maps strategy names (conservative, moderate, aggressive,
// disabled) to their tuning profiles.
type StrategyTable map[string]StrategyProfile

// DefaultStrategyTable returns the built-in prefetch tuning table.
func DefaultStrategyTable() StrategyTable {
	return StrategyTable{
		"conservative": {Radius: 1, Concurrency: 2, KeepRange: 2},
		"moderate":     {Radius: 2, Concurrency: 4, KeepRange: 3},
		"aggressive":   {Radius: 3, Concurrency: 6, KeepRange: 5},
		"disabled":     {Radius: 0, Concurrency: 0, KeepRange: 1},
	}
}

// LoadStrategyTable reads a YAML strategy table from path, overlaying it on
// the defaults so a partial file only overrides the strategies it names.
// An empty path returns the defaults unchanged.
func LoadStrategyTable(path string) (StrategyTable, error) {
	table := DefaultStrategyTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}

	var overrides StrategyTable
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse strategy file: %w", err)
	}

	for name, profile := range overrides {
		if profile.Radius < 0 || profile.Concurrency < 0 {
			return nil, fmt.Errorf("strategy %q: radius and concurrency must be non-negative", name)
		}
		table[name] = profile
	}

	return table, nil
}
