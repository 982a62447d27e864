package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/keyframed/relayd/internal/database"
	"github.com/keyframed/relayd/internal/reconnect"
)

func (a *API) ReconnectStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": a.Sched.Status(),
		"healing":   a.Super.Healing(),
		"connected": a.Super.Connected(),
	})
}

// RequestReconnect files a manual reconnect intent. It is debounced and
// coalesced like any other intent, not dispatched immediately.
func (a *API) RequestReconnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source   string `json:"source"`
		Reason   string `json:"reason"`
		Priority string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Source == "" {
		body.Source = "api"
	}
	if body.Reason == "" {
		body.Reason = "manual request"
	}

	priority := reconnect.PriorityMedium
	if body.Priority != "" {
		parsed, err := reconnect.ParsePriority(body.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		priority = parsed
	}

	a.Sched.Request(reconnect.Intent{
		Source:    body.Source,
		Reason:    body.Reason,
		Priority:  priority,
		Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) ConnectionEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Super.Events())
}

// ReconnectAudit returns dispatched heal events from the audit table,
// newest first. ?limit= bounds the count (default 50).
func (a *API) ReconnectAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	var records []database.ReconnectRecord
	if err := database.DB.Order("dispatched_at DESC").Limit(limit).Find(&records).Error; err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}
