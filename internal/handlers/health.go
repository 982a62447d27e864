package handlers

import (
	"net/http"

	"github.com/keyframed/relayd/internal/database"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	realtimeStatus := "disconnected"
	if a.Super != nil && a.Super.Healing() {
		realtimeStatus = "reconnecting"
	} else if a.Super != nil && a.Super.Connected() {
		realtimeStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
		"realtime": realtimeStatus,
	})
}
