// Package instrument manages the diagnostic interception layer: a registry
// of named probes, each of which installs one middleware wrapper (HTTP
// transport, realtime dial, settings store, panic capture) and records a
// teardown that reverses it.
//
// Installs are idempotent and per-probe isolated: a probe that is already
// installed, disabled by config, or whose installer fails reports false
// without affecting the others. A probe is considered installed exactly when
// its teardown is registered and its wrapper is active; Install and
// Uninstall keep the two in lockstep.
package instrument

import (
	"fmt"
	"sync"

	"github.com/keyframed/relayd/internal/diagnostics"
)

// Type names one probe in the registry.
type Type string

const (
	TypeHTTP      Type = "http"
	TypeWebsocket Type = "websocket"
	TypeStorage   Type = "storage"
	TypePanics    Type = "panics"
)

// Config controls one probe. LogLevel and Tags shape the probe's own
// emissions; DevOnly probes refuse to install outside dev mode.
type Config struct {
	Enabled  bool              `json:"enabled"`
	LogLevel diagnostics.Level `json:"-"`
	Tags     []string          `json:"tags"`
	DevOnly  bool              `json:"dev_only"`
}

// ConfigPatch merges into a probe's config. Nil fields are left unchanged.
type ConfigPatch struct {
	Enabled  *bool
	LogLevel *diagnostics.Level
	Tags     []string
	DevOnly  *bool
}

// Teardown reverses a probe's wrapper.
type Teardown func()

// Installer applies one probe's wrapper using the probe's current config and
// returns the teardown that removes it.
type Installer func(cfg Config) (Teardown, error)

type probe struct {
	config    Config
	installer Installer
	teardown  Teardown
	installed bool
}

// Manager is the probe registry. Construct one per process and inject it
// where probes are controlled; there is no package-level instance.
type Manager struct {
	mu      sync.Mutex
	diag    *diagnostics.Channel
	devMode bool
	probes  map[Type]*probe
	order   []Type
}

// NewManager creates an empty probe registry.
func NewManager(diag *diagnostics.Channel, devMode bool) *Manager {
	return &Manager{
		diag:    diag,
		devMode: devMode,
		probes:  make(map[Type]*probe),
	}
}

// Register adds a probe type with its initial config and installer.
// Registering the same type twice replaces the previous registration; an
// installed probe is torn down first.
func (m *Manager) Register(t Type, cfg Config, installer Installer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.probes[t]; ok {
		if existing.installed {
			m.teardownLocked(t, existing)
		}
	} else {
		m.order = append(m.order, t)
	}
	m.probes[t] = &probe{config: cfg, installer: installer}
}

// Install applies the probe's wrapper. It returns false without side effects
// when the probe is unknown, disabled by config, dev-only outside dev mode,
// or already installed (unless force, which reinstalls). Installer errors
// and panics are caught and logged; they also report false.
func (m *Manager) Install(t Type, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installLocked(t, force)
}

func (m *Manager) installLocked(t Type, force bool) bool {
	p, ok := m.probes[t]
	if !ok {
		m.diag.Error("instrument", fmt.Sprintf("install requested for unknown probe %q", t), nil)
		return false
	}
	if !p.config.Enabled {
		m.diag.Debug("instrument", fmt.Sprintf("probe %s disabled by config, not installing", t), nil)
		return false
	}
	if p.config.DevOnly && !m.devMode {
		m.diag.Debug("instrument", fmt.Sprintf("probe %s is dev-only, not installing", t), nil)
		return false
	}
	if p.installed {
		if !force {
			return false
		}
		m.teardownLocked(t, p)
	}

	teardown, err := m.runInstaller(t, p)
	if err != nil {
		m.diag.Error("instrument", fmt.Sprintf("probe %s install failed", t), map[string]any{
			"error": err.Error(),
		})
		return false
	}

	p.teardown = teardown
	p.installed = true
	m.diag.Info("instrument", fmt.Sprintf("probe %s installed", t), nil)
	return true
}

// runInstaller invokes the installer with panic containment.
func (m *Manager) runInstaller(t Type, p *probe) (teardown Teardown, err error) {
	defer func() {
		if r := recover(); r != nil {
			teardown = nil
			err = fmt.Errorf("installer for %s panicked: %v", t, r)
		}
	}()
	return p.installer(p.config)
}

// Uninstall reverses the probe's wrapper by invoking its stored teardown.
// Returns false if the probe is unknown or not installed.
func (m *Manager) Uninstall(t Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.probes[t]
	if !ok || !p.installed {
		return false
	}
	m.teardownLocked(t, p)
	return true
}

func (m *Manager) teardownLocked(t Type, p *probe) {
	if p.teardown != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.diag.Error("instrument", fmt.Sprintf("probe %s teardown panicked", t), map[string]any{
						"panic": fmt.Sprint(r),
					})
				}
			}()
			p.teardown()
		}()
	}
	p.teardown = nil
	p.installed = false
	m.diag.Info("instrument", fmt.Sprintf("probe %s uninstalled", t), nil)
}

// InstallAll installs every registered probe, applying the per-probe
// idempotence rule. One failing probe never blocks the rest.
func (m *Manager) InstallAll() map[Type]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[Type]bool, len(m.order))
	for _, t := range m.order {
		results[t] = m.installLocked(t, false)
	}
	return results
}

// UninstallAll tears down every installed probe.
func (m *Manager) UninstallAll() map[Type]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[Type]bool, len(m.order))
	for _, t := range m.order {
		p := m.probes[t]
		if p.installed {
			m.teardownLocked(t, p)
			results[t] = true
		} else {
			results[t] = false
		}
	}
	return results
}

// UpdateConfig merges a patch into the probe's config. If the probe is
// currently installed it is reinstalled so the new config takes effect.
func (m *Manager) UpdateConfig(t Type, patch ConfigPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.probes[t]
	if !ok {
		return fmt.Errorf("unknown probe %q", t)
	}

	if patch.Enabled != nil {
		p.config.Enabled = *patch.Enabled
	}
	if patch.LogLevel != nil {
		p.config.LogLevel = *patch.LogLevel
	}
	if patch.Tags != nil {
		p.config.Tags = patch.Tags
	}
	if patch.DevOnly != nil {
		p.config.DevOnly = *patch.DevOnly
	}

	if p.installed {
		m.teardownLocked(t, p)
		m.installLocked(t, false)
	}
	return nil
}

// Installed reports whether the probe's wrapper is currently active.
func (m *Manager) Installed(t Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.probes[t]
	return ok && p.installed
}

// GetConfig returns a copy of the probe's config.
func (m *Manager) GetConfig(t Type) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.probes[t]
	if !ok {
		return Config{}, false
	}
	return p.config, true
}

// ProbeStatus is one probe's state for the HTTP API.
type ProbeStatus struct {
	Type      Type     `json:"type"`
	Installed bool     `json:"installed"`
	Enabled   bool     `json:"enabled"`
	DevOnly   bool     `json:"dev_only"`
	LogLevel  string   `json:"log_level"`
	Tags      []string `json:"tags"`
}

// Status returns the state of every registered probe in registration order.
func (m *Manager) Status() []ProbeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProbeStatus, 0, len(m.order))
	for _, t := range m.order {
		p := m.probes[t]
		out = append(out, ProbeStatus{
			Type:      t,
			Installed: p.installed,
			Enabled:   p.config.Enabled,
			DevOnly:   p.config.DevOnly,
			LogLevel:  p.config.LogLevel.String(),
			Tags:      p.config.Tags,
		})
	}
	return out
}
