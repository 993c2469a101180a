package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/scheduler"
)

// AuditLog and Sched are set from main.go during init.
var (
	AuditLog *audit.Logger
	Sched    *scheduler.Scheduler
)

// QueryAuditLog returns audit entries matching the query-string filters,
// newest first.
func QueryAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOptions{
		EventType:    q.Get("event_type"),
		ResourceType: q.Get("resource_type"),
		Actor:        q.Get("actor"),
		Severity:     q.Get("severity"),
		Result:       q.Get("result"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'since' timestamp, want RFC 3339")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'until' timestamp, want RFC 3339")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}

	result, err := AuditLog.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AuditMetrics summarizes audit activity over a trailing window
// (?window_days=, default 30).
func AuditMetrics(w http.ResponseWriter, r *http.Request) {
	windowDays, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	metrics, err := AuditLog.Summarize(windowDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// LifecycleMetrics reports rotation and renewal counts and the current
// backlog of items due.
func LifecycleMetrics(w http.ResponseWriter, r *http.Request) {
	windowDays, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	metrics, err := Sched.Metrics(windowDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Lifecycle metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}
