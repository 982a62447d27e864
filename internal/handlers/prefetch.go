package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/keyframed/relayd/internal/prefetch"
)

func (a *API) PrefetchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Prefetch.Status())
}

// SetPrefetchCapabilities records the viewer's device profile and returns
// the strategy selected for it.
func (a *API) SetPrefetchCapabilities(w http.ResponseWriter, r *http.Request) {
	var caps prefetch.Capabilities
	if err := json.NewDecoder(r.Body).Decode(&caps); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	strategy := a.Prefetch.SetCapabilities(caps)
	writeJSON(w, http.StatusOK, map[string]string{"strategy": strategy})
}

// SetPageContext moves the viewer to a new page and starts prefetching the
// adjacent pages' assets. The previous batch is aborted.
func (a *API) SetPageContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Current int              `json:"current"`
		Pages   map[int][]string `json:"pages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	a.Prefetch.UpdateContext(body.Current, body.Pages)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) TrimPrefetchCache(w http.ResponseWriter, r *http.Request) {
	dropped := a.Prefetch.Trim()
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}
