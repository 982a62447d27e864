package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keyframed/relayd/internal/diagnostics"
)

func (a *API) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"level":        a.Diag.Level().String(),
		"enabled_tags": a.Diag.EnabledTags(),
	})
}

// GetDiagnosticRecords returns the newest records from the in-memory ring,
// newest first. ?n= bounds the count (default 100).
func (a *API) GetDiagnosticRecords(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid record count")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, a.Diag.Recent(n))
}

func (a *API) SetDiagnosticLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	level, err := diagnostics.ParseLevel(body.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.Diag.SetLevel(level)
	writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
}

func (a *API) SetDiagnosticTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enable  []string `json:"enable"`
		Disable []string `json:"disable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	a.Diag.EnableTags(body.Enable...)
	a.Diag.DisableTags(body.Disable...)
	writeJSON(w, http.StatusOK, map[string]any{"enabled_tags": a.Diag.EnabledTags()})
}
