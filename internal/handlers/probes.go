package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/instrument"
)

func (a *API) ListProbes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Probes.Status())
}

// InstallProbe applies one probe's wrapper. ?force=true reinstalls an
// already-installed probe.
func (a *API) InstallProbe(w http.ResponseWriter, r *http.Request) {
	t := instrument.Type(chi.URLParam(r, "type"))
	force := r.URL.Query().Get("force") == "true"

	if _, ok := a.Probes.GetConfig(t); !ok {
		writeError(w, http.StatusNotFound, "Unknown probe")
		return
	}

	installed := a.Probes.Install(t, force)
	writeJSON(w, http.StatusOK, map[string]any{
		"type":      t,
		"installed": a.Probes.Installed(t),
		"applied":   installed,
	})
}

func (a *API) UninstallProbe(w http.ResponseWriter, r *http.Request) {
	t := instrument.Type(chi.URLParam(r, "type"))

	if _, ok := a.Probes.GetConfig(t); !ok {
		writeError(w, http.StatusNotFound, "Unknown probe")
		return
	}

	removed := a.Probes.Uninstall(t)
	writeJSON(w, http.StatusOK, map[string]any{
		"type":    t,
		"removed": removed,
	})
}

// PatchProbe merges a config update into one probe. An installed probe is
// reinstalled so the change takes effect.
func (a *API) PatchProbe(w http.ResponseWriter, r *http.Request) {
	t := instrument.Type(chi.URLParam(r, "type"))

	var body struct {
		Enabled  *bool    `json:"enabled"`
		LogLevel *string  `json:"log_level"`
		Tags     []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	patch := instrument.ConfigPatch{
		Enabled: body.Enabled,
		Tags:    body.Tags,
	}
	if body.LogLevel != nil {
		level, err := diagnostics.ParseLevel(*body.LogLevel)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		patch.LogLevel = &level
	}

	if err := a.Probes.UpdateConfig(t, patch); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	cfg, _ := a.Probes.GetConfig(t)
	writeJSON(w, http.StatusOK, map[string]any{
		"type":      t,
		"enabled":   cfg.Enabled,
		"log_level": cfg.LogLevel.String(),
		"tags":      cfg.Tags,
		"installed": a.Probes.Installed(t),
	})
}
