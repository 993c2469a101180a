// Package scheduler runs the unattended lifecycle sweeps: SSH key rotation,
// TLS certificate renewal, and retention cleanup of revoked records and old
// audit entries.
package scheduler

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/database"
	"github.com/sorenvik/credvault/internal/sshkeys"
	"github.com/sorenvik/credvault/internal/tlscerts"
	"gorm.io/gorm"
)

// Default cron schedules. Rotation and retention run nightly, renewal weekly.
const (
	DefaultRotationSchedule  = "0 2 * * *"
	DefaultRenewalSchedule   = "0 3 * * 0"
	DefaultRetentionSchedule = "0 4 * * *"
)

// Config carries the sweep policies and schedules.
type Config struct {
	RotationThresholdDays int
	RenewalWindowDays     int
	RetentionDays         int
	RotationSchedule      string
	RenewalSchedule       string
	RetentionSchedule     string
}

// Scheduler owns the cron timers and drives the managers. Each sweep holds
// its own mutex; an overlapping trigger is skipped, not queued.
type Scheduler struct {
	db       *gorm.DB
	keys     *sshkeys.Manager
	certs    *tlscerts.Manager
	auditLog *audit.Logger
	cfg      Config
	cron     *cron.Cron
	nowFn    func() time.Time

	rotateMu sync.Mutex
	renewMu  sync.Mutex
	retainMu sync.Mutex
}

// New creates a Scheduler. Timers do not start until Start is called.
func New(db *gorm.DB, keys *sshkeys.Manager, certs *tlscerts.Manager, auditLog *audit.Logger, cfg Config) *Scheduler {
	if cfg.RotationThresholdDays <= 0 {
		cfg.RotationThresholdDays = sshkeys.DefaultRotationThresholdDays
	}
	if cfg.RenewalWindowDays <= 0 {
		cfg.RenewalWindowDays = tlscerts.DefaultRenewalWindowDays
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = audit.DefaultRetentionDays
	}
	if cfg.RotationSchedule == "" {
		cfg.RotationSchedule = DefaultRotationSchedule
	}
	if cfg.RenewalSchedule == "" {
		cfg.RenewalSchedule = DefaultRenewalSchedule
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = DefaultRetentionSchedule
	}
	return &Scheduler{
		db:       db,
		keys:     keys,
		certs:    certs,
		auditLog: auditLog,
		cfg:      cfg,
		cron:     cron.New(),
		nowFn:    time.Now,
	}
}

// SetNowFunc sets the clock function used for testing.
func (s *Scheduler) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// settingInt reads a policy value from the settings table so a changed
// setting applies on the next sweep without a restart. Falls back to the
// construction-time value when the row is missing or malformed.
func (s *Scheduler) settingInt(key string, fallback int) int {
	var rec database.Setting
	if err := s.db.Where("key = ?", key).First(&rec).Error; err != nil {
		return fallback
	}
	n, err := strconv.Atoi(rec.Value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Start registers the sweeps with cron and starts the timers.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.RotationSchedule, func() { s.SweepSSHKeys() }); err != nil {
		return fmt.Errorf("schedule rotation sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.RenewalSchedule, func() { s.SweepCertificates() }); err != nil {
		return fmt.Errorf("schedule renewal sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.RetentionSchedule, func() { s.SweepRetention() }); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()
	log.Printf("scheduler started: rotation %q, renewal %q, retention %q",
		s.cfg.RotationSchedule, s.cfg.RenewalSchedule, s.cfg.RetentionSchedule)
	return nil
}

// Stop halts the timers and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("scheduler stopped")
}

// SweepResult summarizes one rotation or renewal pass.
type SweepResult struct {
	Checked int  `json:"checked"`
	Acted   int  `json:"acted"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped"`
}

// SweepSSHKeys rotates every active key past the rotation threshold. A
// failure on one key is audited and the sweep continues with the rest.
func (s *Scheduler) SweepSSHKeys() SweepResult {
	if !s.rotateMu.TryLock() {
		log.Printf("rotation sweep already running, skipping")
		return SweepResult{Skipped: true}
	}
	defer s.rotateMu.Unlock()

	now := s.nowFn()
	threshold := s.settingInt("rotation_threshold_days", s.cfg.RotationThresholdDays)
	var candidates []database.SSHKey
	if err := s.db.Where("active = ? AND revoked_at IS NULL", true).Find(&candidates).Error; err != nil {
		log.Printf("rotation sweep: load keys: %v", err)
		return SweepResult{}
	}

	var result SweepResult
	for _, key := range candidates {
		result.Checked++
		if !sshkeys.NeedsRotationAt(key.CreatedAt, threshold, now) {
			continue
		}
		if _, err := s.keys.Rotate(key.KeyID, audit.System, sshkeys.RotationReasonAutomatic); err != nil {
			result.Failed++
			log.Printf("rotation sweep: rotate %s: %v", key.KeyID, err)
			s.auditSweepFailure(audit.EventKeyRotated, audit.ResourceSSHKey, key.KeyID,
				fmt.Sprintf("scheduled rotation of key %q", key.Name), err)
			continue
		}
		result.Acted++
	}

	if result.Acted > 0 || result.Failed > 0 {
		log.Printf("rotation sweep: checked=%d rotated=%d failed=%d",
			result.Checked, result.Acted, result.Failed)
	}
	return result
}

// SweepCertificates renews every active non-CA certificate inside the
// renewal window. CAs are left alone; renewing a CA invalidates its issued
// leaves and needs an operator decision.
func (s *Scheduler) SweepCertificates() SweepResult {
	if !s.renewMu.TryLock() {
		log.Printf("renewal sweep already running, skipping")
		return SweepResult{Skipped: true}
	}
	defer s.renewMu.Unlock()

	now := s.nowFn()
	window := s.settingInt("renewal_window_days", s.cfg.RenewalWindowDays)
	var candidates []database.TLSCertificate
	if err := s.db.Where("active = ? AND revoked_at IS NULL AND is_ca = ?", true, false).
		Find(&candidates).Error; err != nil {
		log.Printf("renewal sweep: load certificates: %v", err)
		return SweepResult{}
	}

	var result SweepResult
	for _, cert := range candidates {
		result.Checked++
		if !tlscerts.NeedsRenewalAt(cert.CertificatePEM, window, now) {
			continue
		}
		if _, err := s.certs.Renew(cert.CertID, audit.System, tlscerts.RenewalReasonAutomatic); err != nil {
			result.Failed++
			log.Printf("renewal sweep: renew %s: %v", cert.CertID, err)
			s.auditSweepFailure(audit.EventCertRenewed, audit.ResourceTLSCertificate, cert.CertID,
				fmt.Sprintf("scheduled renewal of certificate %q", cert.Name), err)
			continue
		}
		result.Acted++
	}

	if result.Acted > 0 || result.Failed > 0 {
		log.Printf("renewal sweep: checked=%d renewed=%d failed=%d",
			result.Checked, result.Acted, result.Failed)
	}
	return result
}

// RotateKey rotates a single key on demand, through the same path the
// rotation sweep uses.
func (s *Scheduler) RotateKey(keyID string, actor audit.Actor) (*database.SSHKey, error) {
	return s.keys.Rotate(keyID, actor, "manual rotation")
}

// RenewCertificate renews a single certificate on demand, through the same
// path the renewal sweep uses.
func (s *Scheduler) RenewCertificate(certID string, actor audit.Actor) (*database.TLSCertificate, error) {
	return s.certs.Renew(certID, actor, "manual renewal")
}

// RetentionResult summarizes one retention pass.
type RetentionResult struct {
	KeysPurged         int64 `json:"keys_purged"`
	CertificatesPurged int64 `json:"certificates_purged"`
	AuditPurged        int64 `json:"audit_purged"`
	Skipped            bool  `json:"skipped"`
}

// SweepRetention deletes revoked records older than the retention period and
// prunes the audit trail to its own retention window.
func (s *Scheduler) SweepRetention() RetentionResult {
	if !s.retainMu.TryLock() {
		log.Printf("retention sweep already running, skipping")
		return RetentionResult{Skipped: true}
	}
	defer s.retainMu.Unlock()

	cutoff := s.nowFn().AddDate(0, 0, -s.settingInt("retention_days", s.cfg.RetentionDays))
	var result RetentionResult

	keys := s.db.Where("active = ? AND revoked_at < ?", false, cutoff).Delete(&database.SSHKey{})
	if keys.Error != nil {
		log.Printf("retention sweep: purge ssh keys: %v", keys.Error)
	} else {
		result.KeysPurged = keys.RowsAffected
	}

	certs := s.db.Where("active = ? AND revoked_at < ?", false, cutoff).Delete(&database.TLSCertificate{})
	if certs.Error != nil {
		log.Printf("retention sweep: purge certificates: %v", certs.Error)
	} else {
		result.CertificatesPurged = certs.RowsAffected
	}

	purged, err := s.auditLog.PurgeOlderThan(s.settingInt("audit_retention_days", 0))
	if err == nil {
		result.AuditPurged = purged
	}

	if result.KeysPurged > 0 || result.CertificatesPurged > 0 || result.AuditPurged > 0 {
		log.Printf("retention sweep: keys=%d certs=%d audit=%d",
			result.KeysPurged, result.CertificatesPurged, result.AuditPurged)
	}
	return result
}

// Metrics reports recent lifecycle activity and the current backlog.
type Metrics struct {
	WindowDays          int   `json:"window_days"`
	KeysRotated         int64 `json:"keys_rotated"`
	CertificatesRenewed int64 `json:"certificates_renewed"`
	KeysDue             int   `json:"keys_due"`
	CertificatesDue     int   `json:"certificates_due"`
}

// Metrics counts rotations and renewals recorded over the trailing window
// and the items currently due. A windowDays of 0 defaults to 30.
func (s *Scheduler) Metrics(windowDays int) (*Metrics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	now := s.nowFn()
	since := now.AddDate(0, 0, -windowDays)
	m := &Metrics{WindowDays: windowDays}

	if err := s.db.Model(&database.SecurityAuditLog{}).
		Where("event_type = ? AND result = ? AND created_at >= ?",
			audit.EventKeyRotated, audit.ResultSuccess, since).
		Count(&m.KeysRotated).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&database.SecurityAuditLog{}).
		Where("event_type = ? AND result = ? AND created_at >= ?",
			audit.EventCertRenewed, audit.ResultSuccess, since).
		Count(&m.CertificatesRenewed).Error; err != nil {
		return nil, err
	}

	threshold := s.settingInt("rotation_threshold_days", s.cfg.RotationThresholdDays)
	var keys []database.SSHKey
	if err := s.db.Where("active = ? AND revoked_at IS NULL", true).Find(&keys).Error; err != nil {
		return nil, err
	}
	for _, key := range keys {
		if sshkeys.NeedsRotationAt(key.CreatedAt, threshold, now) {
			m.KeysDue++
		}
	}

	window := s.settingInt("renewal_window_days", s.cfg.RenewalWindowDays)
	var certs []database.TLSCertificate
	if err := s.db.Where("active = ? AND revoked_at IS NULL AND is_ca = ?", true, false).
		Find(&certs).Error; err != nil {
		return nil, err
	}
	for _, cert := range certs {
		if tlscerts.NeedsRenewalAt(cert.CertificatePEM, window, now) {
			m.CertificatesDue++
		}
	}
	return m, nil
}

func (s *Scheduler) auditSweepFailure(eventType, resourceType, resourceID, action string, err error) {
	s.auditLog.Record(audit.Entry{
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        audit.System.ID,
		Action:       action,
		Result:       audit.ResultFailure,
		Severity:     audit.SeverityHigh,
		ErrorMessage: err.Error(),
	})
}
