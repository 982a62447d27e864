// Package prefetch warms the media CDN for pages adjacent to the one a
// client is viewing. Clients report their device capabilities and current
// page context; a strategy chosen from those capabilities decides how many
// adjacent pages to prefetch and at what concurrency. These are tuning
// heuristics: the only hard rules are the concurrency bound and that
// missing assets (400/404) are expected, not errors.
package prefetch

// Capabilities describes the reporting client's device, as sent by the
// browser (device memory, hardware concurrency, connection type).
type Capabilities struct {
	MemoryGB   float64 `json:"memory_gb"`
	CPUCount   int     `json:"cpu_count"`
	Connection string  `json:"connection"` // fast, slow, metered, unknown
}

// Strategy names. Each maps to a profile in the strategy table.
const (
	StrategyConservative = "conservative"
	StrategyModerate     = "moderate"
	StrategyAggressive   = "aggressive"
	StrategyDisabled     = "disabled"
)

// ChooseStrategy picks a prefetch strategy for the given capabilities.
// Metered connections and very constrained devices disable prefetch
// entirely; only devices with headroom on a fast connection get the
// aggressive profile.
func ChooseStrategy(caps Capabilities) string {
	if caps.Connection == "metered" {
		return StrategyDisabled
	}
	if caps.MemoryGB > 0 && caps.MemoryGB < 2 {
		return StrategyDisabled
	}
	if caps.Connection == "slow" || (caps.MemoryGB > 0 && caps.MemoryGB < 4) || (caps.CPUCount > 0 && caps.CPUCount <= 2) {
		return StrategyConservative
	}
	if caps.MemoryGB >= 8 && caps.CPUCount >= 8 && caps.Connection == "fast" {
		return StrategyAggressive
	}
	return StrategyModerate
}
