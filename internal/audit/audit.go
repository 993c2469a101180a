// Package audit records security-sensitive operations to the database.
// Recording is best-effort: a failed write falls back to the process log
// and never propagates to the operation being audited.
package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/sorenvik/credvault/internal/database"
	"github.com/sorenvik/credvault/internal/logutil"
	"gorm.io/gorm"
)

// Event types.
const (
	EventKeyGenerated         = "key_generated"
	EventKeyDeployed          = "key_deployed"
	EventKeyRevoked           = "key_revoked"
	EventKeyRotated           = "key_rotated"
	EventCertGenerated        = "certificate_generated"
	EventCertRevoked          = "certificate_revoked"
	EventCertRenewed          = "certificate_renewed"
	EventSecurityConfigChange = "security_config_changed"
	EventAuthFailure          = "authentication_failure"
	EventSuspiciousActivity   = "suspicious_activity"
)

// Resource types.
const (
	ResourceSSHKey         = "ssh_key"
	ResourceTLSCertificate = "tls_certificate"
	ResourceSecurityConfig = "security_config"
	ResourceUserSession    = "user_session"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// Severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DefaultRetentionDays is the default number of days to keep audit entries.
const DefaultRetentionDays = 365

// Entry contains the fields needed to record one audit event.
type Entry struct {
	EventType    string
	ResourceType string
	ResourceID   string
	Actor        string
	SourceIP     string
	UserAgent    string
	Action       string
	Result       string
	Details      map[string]interface{}
	ErrorMessage string
	Severity     string
}

// Sink is the capability interface the managers and the scheduler record
// through. Record must never panic and never surface an error to the caller.
type Sink interface {
	Record(entry Entry)
}

// Logger is the production Sink. It writes entries to the database and
// mirrors them on the process log.
type Logger struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewLogger creates a Logger writing to the given database. If retentionDays
// is 0, DefaultRetentionDays is used.
func NewLogger(db *gorm.DB, retentionDays int) *Logger {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Logger{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Record persists an audit entry. Failures are downgraded to the fallback
// log; the primary operation is never blocked.
func (l *Logger) Record(entry Entry) {
	if entry.Result == "" {
		entry.Result = ResultSuccess
	}
	if entry.Severity == "" {
		entry.Severity = SeverityLow
	}

	var details string
	if len(entry.Details) > 0 {
		if b, err := json.Marshal(entry.Details); err == nil {
			details = string(b)
		}
	}

	record := database.SecurityAuditLog{
		EventType:    entry.EventType,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Actor:        entry.Actor,
		SourceIP:     entry.SourceIP,
		UserAgent:    entry.UserAgent,
		Action:       entry.Action,
		Result:       entry.Result,
		Details:      details,
		ErrorMessage: entry.ErrorMessage,
		Severity:     entry.Severity,
	}

	if err := l.db.Create(&record).Error; err != nil {
		// Best-effort fallback: the event still lands in the process log.
		log.Printf("[audit-fallback] %s resource=%s/%s actor=%s result=%s severity=%s action=%s (store error: %v)",
			entry.EventType, entry.ResourceType, entry.ResourceID,
			entry.Actor, entry.Result, entry.Severity,
			logutil.SanitizeForLog(entry.Action), err)
		return
	}

	log.Printf("[audit] %s resource=%s/%s actor=%s result=%s severity=%s action=%s",
		entry.EventType, entry.ResourceType, entry.ResourceID,
		entry.Actor, entry.Result, entry.Severity,
		logutil.SanitizeForLog(entry.Action))
}

// QueryOptions specifies filters for retrieving audit entries.
type QueryOptions struct {
	EventType    string
	ResourceType string
	Actor        string
	Severity     string
	Result       string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit entries and pagination metadata.
type QueryResult struct {
	Entries []database.SecurityAuditLog `json:"entries"`
	Total   int64                       `json:"total"`
	Limit   int                         `json:"limit"`
	Offset  int                         `json:"offset"`
}

// Query retrieves audit entries matching the given options, newest first.
func (l *Logger) Query(opts QueryOptions) (*QueryResult, error) {
	tx := l.db.Model(&database.SecurityAuditLog{})

	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.ResourceType != "" {
		tx = tx.Where("resource_type = ?", opts.ResourceType)
	}
	if opts.Actor != "" {
		tx = tx.Where("actor = ?", opts.Actor)
	}
	if opts.Severity != "" {
		tx = tx.Where("severity = ?", opts.Severity)
	}
	if opts.Result != "" {
		tx = tx.Where("result = ?", opts.Result)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.SecurityAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// Metrics summarizes audit activity over a trailing window.
type Metrics struct {
	WindowDays    int              `json:"window_days"`
	TotalEvents   int64            `json:"total_events"`
	Failures      int64            `json:"failures"`
	CriticalCount int64            `json:"critical_count"`
	FailureRate   float64          `json:"failure_rate"`
	ByEventType   map[string]int64 `json:"by_event_type"`
}

// Summarize computes metrics over the trailing windowDays. A windowDays of
// 0 defaults to 30.
func (l *Logger) Summarize(windowDays int) (*Metrics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := l.nowFn().AddDate(0, 0, -windowDays)

	inWindow := func() *gorm.DB {
		return l.db.Model(&database.SecurityAuditLog{}).Where("created_at >= ?", since)
	}

	m := &Metrics{WindowDays: windowDays, ByEventType: map[string]int64{}}
	if err := inWindow().Count(&m.TotalEvents).Error; err != nil {
		return nil, err
	}
	if err := inWindow().Where("result IN ?", []string{ResultFailure, ResultError}).Count(&m.Failures).Error; err != nil {
		return nil, err
	}
	if err := inWindow().Where("severity = ?", SeverityCritical).Count(&m.CriticalCount).Error; err != nil {
		return nil, err
	}

	type bucket struct {
		EventType string
		N         int64
	}
	var buckets []bucket
	if err := inWindow().
		Select("event_type, COUNT(*) as n").
		Group("event_type").
		Scan(&buckets).Error; err != nil {
		return nil, err
	}
	for _, b := range buckets {
		m.ByEventType[b.EventType] = b.N
	}

	if m.TotalEvents > 0 {
		m.FailureRate = float64(m.Failures) / float64(m.TotalEvents)
	}
	return m, nil
}

// PurgeOlderThan removes audit entries older than the given number of days
// (the configured retention period when days <= 0). Returns the number of
// rows deleted.
func (l *Logger) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = l.retentionDays
	}
	cutoff := l.nowFn().AddDate(0, 0, -days)
	result := l.db.Where("created_at < ?", cutoff).Delete(&database.SecurityAuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (l *Logger) RetentionDays() int {
	return l.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (l *Logger) SetNowFunc(fn func() time.Time) {
	l.nowFn = fn
}
