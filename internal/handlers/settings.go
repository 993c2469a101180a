package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/database"
	"github.com/sorenvik/credvault/internal/middleware"
)

// lifecycleSettings are the tunable policy knobs persisted in the settings
// table. Changing any of them is a security-relevant event.
var lifecycleSettings = []string{
	"rotation_threshold_days",
	"renewal_window_days",
	"retention_days",
	"audit_retention_days",
}

// GetSettings returns the lifecycle policy settings.
func GetSettings(w http.ResponseWriter, r *http.Request) {
	out := map[string]int{}
	for _, key := range lifecycleSettings {
		raw, err := database.GetSetting(key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load settings")
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Corrupt setting %q", key))
			return
		}
		out[key] = n
	}
	writeJSON(w, http.StatusOK, out)
}

type updateSettingsRequest struct {
	RotationThresholdDays *int `json:"rotation_threshold_days" validate:"omitempty,min=1,max=3650"`
	RenewalWindowDays     *int `json:"renewal_window_days" validate:"omitempty,min=1,max=365"`
	RetentionDays         *int `json:"retention_days" validate:"omitempty,min=1,max=3650"`
	AuditRetentionDays    *int `json:"audit_retention_days" validate:"omitempty,min=1,max=3650"`
}

// UpdateSettings applies partial updates to the lifecycle policy and records
// each change in the audit trail. New values take effect on the next sweep.
func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	changes := map[string]*int{
		"rotation_threshold_days": req.RotationThresholdDays,
		"renewal_window_days":     req.RenewalWindowDays,
		"retention_days":          req.RetentionDays,
		"audit_retention_days":    req.AuditRetentionDays,
	}

	applied := map[string]int{}
	for _, key := range lifecycleSettings {
		val := changes[key]
		if val == nil {
			continue
		}
		old, _ := database.GetSetting(key)
		if err := database.SetSetting(key, strconv.Itoa(*val)); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to update %q", key))
			return
		}
		applied[key] = *val

		AuditLog.Record(audit.Entry{
			EventType:    audit.EventSecurityConfigChange,
			ResourceType: audit.ResourceSecurityConfig,
			ResourceID:   key,
			Actor:        actor.ID,
			SourceIP:     actor.SourceIP,
			UserAgent:    actor.UserAgent,
			Action:       fmt.Sprintf("changed %s from %s to %d", key, old, *val),
			Result:       audit.ResultSuccess,
			Severity:     audit.SeverityMedium,
		})
	}

	if len(applied) == 0 {
		writeError(w, http.StatusBadRequest, "No settings to update")
		return
	}
	writeJSON(w, http.StatusOK, applied)
}
