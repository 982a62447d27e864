package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/keyframed/relayd/internal/database"
	"github.com/keyframed/relayd/internal/settings"
)

var validScopes = map[string]bool{
	database.ScopeDefault: true,
	database.ScopeUser:    true,
	database.ScopeProject: true,
	database.ScopeShot:    true,
}

// ResolveToolSettings merges the tool's settings layers for the identifiers
// given as query parameters (user, project, shot). Missing parameters skip
// their layer.
func (a *API) ResolveToolSettings(w http.ResponseWriter, r *http.Request) {
	q := settings.Query{
		Tool:      chi.URLParam(r, "tool"),
		UserID:    r.URL.Query().Get("user"),
		ProjectID: r.URL.Query().Get("project"),
		ShotID:    r.URL.Query().Get("shot"),
	}

	merged, err := a.Settings.Resolve(q)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// GetToolSettings returns a single scope row without merging.
func (a *API) GetToolSettings(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	scope := chi.URLParam(r, "scope")
	scopeID := chi.URLParam(r, "scopeID")
	if !validScopes[scope] {
		writeError(w, http.StatusBadRequest, "Invalid scope")
		return
	}

	payload, err := database.GetToolSetting(tool, scope, scopeID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "No settings for this scope")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		writeError(w, http.StatusInternalServerError, "Stored payload is not valid JSON")
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// PutToolSettings writes one scope row. ?immediate=true bypasses the save
// debounce.
func (a *API) PutToolSettings(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	scope := chi.URLParam(r, "scope")
	scopeID := chi.URLParam(r, "scopeID")
	if !validScopes[scope] {
		writeError(w, http.StatusBadRequest, "Invalid scope")
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if r.URL.Query().Get("immediate") == "true" {
		if err := a.Settings.SaveNow(tool, scope, scopeID, payload); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
		return
	}

	a.Settings.Save(tool, scope, scopeID, payload)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) DeleteToolSettings(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	scope := chi.URLParam(r, "scope")
	scopeID := chi.URLParam(r, "scopeID")
	if !validScopes[scope] {
		writeError(w, http.StatusBadRequest, "Invalid scope")
		return
	}
	if scope == database.ScopeDefault {
		writeError(w, http.StatusForbidden, "Default settings cannot be deleted")
		return
	}

	if err := a.Settings.Delete(tool, scope, scopeID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
