package instrument

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/keyframed/relayd/internal/diagnostics"
)

func silentDiag() *diagnostics.Channel {
	return diagnostics.New(diagnostics.Silent)
}

// countingInstaller tracks install/teardown applications.
type countingInstaller struct {
	installs  atomic.Int32
	teardowns atomic.Int32
}

func (c *countingInstaller) installer(cfg Config) (Teardown, error) {
	c.installs.Add(1)
	return func() { c.teardowns.Add(1) }, nil
}

func TestInstallIdempotent(t *testing.T) {
	m := NewManager(silentDiag(), false)
	ci := &countingInstaller{}
	m.Register(TypeHTTP, Config{Enabled: true}, ci.installer)

	if !m.Install(TypeHTTP, false) {
		t.Fatal("first install should succeed")
	}
	if m.Install(TypeHTTP, false) {
		t.Fatal("second install should return false")
	}
	if got := ci.installs.Load(); got != 1 {
		t.Errorf("exactly one wrapper application expected, got %d", got)
	}
	if !m.Installed(TypeHTTP) {
		t.Error("probe should report installed")
	}
}

func TestForceReinstalls(t *testing.T) {
	m := NewManager(silentDiag(), false)
	ci := &countingInstaller{}
	m.Register(TypeHTTP, Config{Enabled: true}, ci.installer)

	m.Install(TypeHTTP, false)
	if !m.Install(TypeHTTP, true) {
		t.Fatal("forced install should succeed")
	}
	if got := ci.installs.Load(); got != 2 {
		t.Errorf("expected 2 applications after force, got %d", got)
	}
	if got := ci.teardowns.Load(); got != 1 {
		t.Errorf("force must tear down the previous wrapper, got %d teardowns", got)
	}
}

func TestInstallDisabledByConfig(t *testing.T) {
	m := NewManager(silentDiag(), false)
	ci := &countingInstaller{}
	m.Register(TypeStorage, Config{Enabled: false}, ci.installer)

	if m.Install(TypeStorage, false) {
		t.Fatal("disabled probe should not install")
	}
	if ci.installs.Load() != 0 {
		t.Error("disabled probe must have no side effects")
	}
}

func TestDevOnlyRefusesOutsideDevMode(t *testing.T) {
	ci := &countingInstaller{}

	m := NewManager(silentDiag(), false)
	m.Register(TypePanics, Config{Enabled: true, DevOnly: true}, ci.installer)
	if m.Install(TypePanics, false) {
		t.Fatal("dev-only probe must not install outside dev mode")
	}

	dev := NewManager(silentDiag(), true)
	dev.Register(TypePanics, Config{Enabled: true, DevOnly: true}, ci.installer)
	if !dev.Install(TypePanics, false) {
		t.Fatal("dev-only probe should install in dev mode")
	}
}

func TestUninstallReversesState(t *testing.T) {
	m := NewManager(silentDiag(), false)
	client := &http.Client{}
	m.Register(TypeHTTP, Config{Enabled: true}, NewHTTPProbe(client, silentDiag(), nil))

	if client.Transport != nil {
		t.Fatal("precondition: client transport should start nil")
	}
	m.Install(TypeHTTP, false)
	if client.Transport == nil {
		t.Fatal("install should wrap the transport")
	}
	if !m.Uninstall(TypeHTTP) {
		t.Fatal("uninstall should succeed")
	}
	if client.Transport != nil {
		t.Error("uninstall must restore the original transport identity")
	}
	if m.Installed(TypeHTTP) {
		t.Error("probe should report not installed")
	}
}

func TestUninstallNotInstalled(t *testing.T) {
	m := NewManager(silentDiag(), false)
	ci := &countingInstaller{}
	m.Register(TypeHTTP, Config{Enabled: true}, ci.installer)

	if m.Uninstall(TypeHTTP) {
		t.Fatal("uninstall of a not-installed probe should return false")
	}
	if m.Uninstall("nonexistent") {
		t.Fatal("uninstall of an unknown probe should return false")
	}
}

func TestFailingInstallerDoesNotBlockOthers(t *testing.T) {
	m := NewManager(silentDiag(), false)
	ci := &countingInstaller{}

	m.Register(TypeHTTP, Config{Enabled: true}, func(cfg Config) (Teardown, error) {
		return nil, fmt.Errorf("wiring broken")
	})
	m.Register(TypeWebsocket, Config{Enabled: true}, func(cfg Config) (Teardown, error) {
		panic("installer exploded")
	})
	m.Register(TypeStorage, Config{Enabled: true}, ci.installer)

	results := m.InstallAll()
	if results[TypeHTTP] {
		t.Error("erroring installer should report false")
	}
	if results[TypeWebsocket] {
		t.Error("panicking installer should report false")
	}
	if !results[TypeStorage] {
		t.Error("healthy probe should install despite sibling failures")
	}
	if m.Installed(TypeHTTP) || m.Installed(TypeWebsocket) {
		t.Error("failed probes must not be marked installed")
	}
}

func TestUpdateConfigReinstallsWhenInstalled(t *testing.T) {
	m := NewManager(silentDiag(), false)
	var seenLevels []diagnostics.Level
	m.Register(TypeHTTP, Config{Enabled: true, LogLevel: diagnostics.LevelInfo}, func(cfg Config) (Teardown, error) {
		seenLevels = append(seenLevels, cfg.LogLevel)
		return func() {}, nil
	})

	m.Install(TypeHTTP, false)

	lvl := diagnostics.LevelVerbose
	if err := m.UpdateConfig(TypeHTTP, ConfigPatch{LogLevel: &lvl}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if len(seenLevels) != 2 || seenLevels[1] != diagnostics.LevelVerbose {
		t.Errorf("reinstall should apply the new config, saw %v", seenLevels)
	}
	if !m.Installed(TypeHTTP) {
		t.Error("probe should remain installed after config update")
	}
}

func TestUpdateConfigDisableUninstallsOnReapply(t *testing.T) {
	m := NewManager(silentDiag(), false)
	ci := &countingInstaller{}
	m.Register(TypeHTTP, Config{Enabled: true}, ci.installer)
	m.Install(TypeHTTP, false)

	off := false
	if err := m.UpdateConfig(TypeHTTP, ConfigPatch{Enabled: &off}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if m.Installed(TypeHTTP) {
		t.Error("disabling an installed probe should leave it uninstalled")
	}
	if ci.teardowns.Load() != 1 {
		t.Errorf("expected teardown on disable, got %d", ci.teardowns.Load())
	}
}

func TestUpdateConfigUnknownProbe(t *testing.T) {
	m := NewManager(silentDiag(), false)
	if err := m.UpdateConfig("nope", ConfigPatch{}); err == nil {
		t.Fatal("expected error for unknown probe")
	}
}

func TestUninstallAll(t *testing.T) {
	m := NewManager(silentDiag(), false)
	a := &countingInstaller{}
	b := &countingInstaller{}
	m.Register(TypeHTTP, Config{Enabled: true}, a.installer)
	m.Register(TypeStorage, Config{Enabled: false}, b.installer)

	m.InstallAll()
	results := m.UninstallAll()
	if !results[TypeHTTP] {
		t.Error("installed probe should report uninstalled")
	}
	if results[TypeStorage] {
		t.Error("never-installed probe should report false")
	}
	if a.teardowns.Load() != 1 {
		t.Errorf("expected 1 teardown, got %d", a.teardowns.Load())
	}
}

func TestStatusOrder(t *testing.T) {
	m := NewManager(silentDiag(), false)
	ci := &countingInstaller{}
	m.Register(TypeWebsocket, Config{Enabled: true}, ci.installer)
	m.Register(TypeHTTP, Config{Enabled: true}, ci.installer)

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 probes, got %d", len(status))
	}
	if status[0].Type != TypeWebsocket || status[1].Type != TypeHTTP {
		t.Errorf("status should follow registration order, got %v", status)
	}
}
