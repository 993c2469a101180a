package handlers

import (
	"net/http"

	"github.com/sorenvik/credvault/internal/database"
)

// HealthCheck reports process and database health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
