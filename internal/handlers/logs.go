package handlers

import (
	"net/http"
	"strconv"

	"github.com/sorenvik/credvault/internal/logging"
)

// GetLogs returns the tail of the process log (?lines=, default 200).
func GetLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "Invalid 'lines' parameter")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}
