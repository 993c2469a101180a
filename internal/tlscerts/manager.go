package tlscerts

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/sorenvik/credvault/internal/apperr"
	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/crypto"
	"github.com/sorenvik/credvault/internal/database"
	"gorm.io/gorm"
)

// RenewalReasonAutomatic is the revocation reason written by scheduled
// renewal.
const RenewalReasonAutomatic = "automatic renewal"

// ManagerConfig carries the policy knobs for a Manager.
type ManagerConfig struct {
	DefaultBits       int
	RenewalWindowDays int
}

// Manager implements the TLS certificate lifecycle over the credential
// store, recording audit events through the injected Sink.
type Manager struct {
	db    *gorm.DB
	sink  audit.Sink
	keyFn func() ([]byte, error)
	cfg   ManagerConfig
	nowFn func() time.Time
}

// NewManager creates a Manager. keyFn supplies the at-rest master key.
func NewManager(db *gorm.DB, sink audit.Sink, keyFn func() ([]byte, error), cfg ManagerConfig) *Manager {
	if cfg.DefaultBits == 0 {
		cfg.DefaultBits = DefaultKeyBits
	}
	if cfg.RenewalWindowDays <= 0 {
		cfg.RenewalWindowDays = DefaultRenewalWindowDays
	}
	return &Manager{db: db, sink: sink, keyFn: keyFn, cfg: cfg, nowFn: time.Now}
}

// SetNowFunc sets the clock function used for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) { m.nowFn = fn }

// CreateOptions wrap the X.509 options with record metadata.
type CreateOptions struct {
	Name        string
	Description string
	Owner       string
	Options
}

// Generate issues a self-signed certificate and persists it with the
// private key encrypted at rest.
func (m *Manager) Generate(opts CreateOptions, actor audit.Actor) (*database.TLSCertificate, error) {
	return m.create(opts, actor, false, nil)
}

// GenerateCA issues a self-signed CA certificate.
func (m *Manager) GenerateCA(opts CreateOptions, actor audit.Actor) (*database.TLSCertificate, error) {
	return m.create(opts, actor, true, nil)
}

func (m *Manager) create(opts CreateOptions, actor audit.Actor, isCA bool, parentCAID *string) (*database.TLSCertificate, error) {
	const op = "tlscerts.Manager.create"

	if opts.Name == "" {
		return nil, apperr.E(apperr.KindValidation, op, "name is required")
	}
	if opts.Owner == "" {
		return nil, apperr.E(apperr.KindValidation, op, "owner is required")
	}
	if opts.KeyBits == 0 {
		opts.KeyBits = m.cfg.DefaultBits
	}

	var bundle *CertBundle
	var err error
	if isCA {
		bundle, err = GenerateCA(opts.Options)
	} else {
		bundle, err = GenerateCertificate(opts.Options)
	}
	if err != nil {
		if apperr.KindOf(err) != apperr.KindValidation {
			m.auditFailure(audit.EventCertGenerated, "", actor, "generate certificate", err)
		}
		return nil, err
	}

	record, err := m.persistBundle(bundle, opts.Name, opts.Description, opts.Owner, parentCAID, actor)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (m *Manager) persistBundle(bundle *CertBundle, name, description, owner string, parentCAID *string, actor audit.Actor) (*database.TLSCertificate, error) {
	const op = "tlscerts.Manager.persistBundle"

	masterKey, err := m.keyFn()
	if err != nil {
		wrapped := apperr.Wrap(apperr.KindCrypto, op, err)
		m.auditFailure(audit.EventCertGenerated, bundle.CertID, actor, "load master key", wrapped)
		return nil, wrapped
	}
	ciphertext, iv, tag, err := crypto.EncryptAtRest(bundle.PrivateKeyPEM, masterKey)
	if err != nil {
		m.auditFailure(audit.EventCertGenerated, bundle.CertID, actor, "encrypt private key", err)
		return nil, err
	}

	record := &database.TLSCertificate{
		CertID:              bundle.CertID,
		Name:                name,
		Description:         description,
		CertificatePEM:      bundle.CertificatePEM,
		EncryptedPrivateKey: ciphertext,
		IV:                  iv,
		AuthTag:             tag,
		PublicKey:           bundle.PublicKeyPEM,
		Fingerprint:         bundle.Fingerprint,
		SerialNumber:        bundle.SerialNumber,
		Subject:             bundle.Subject,
		Issuer:              bundle.Issuer,
		NotBefore:           bundle.NotBefore,
		NotAfter:            bundle.NotAfter,
		KeySize:             bundle.KeySize,
		Algorithm:           bundle.Algorithm,
		IsCA:                bundle.IsCA,
		Active:              true,
		ParentCAID:          parentCAID,
		Owner:               owner,
	}

	if err := m.db.Create(record).Error; err != nil {
		wrapped := apperr.Wrap(apperr.KindStore, op, err)
		m.auditFailure(audit.EventCertGenerated, bundle.CertID, actor, "persist certificate record", wrapped)
		return nil, wrapped
	}

	m.sink.Record(audit.Entry{
		EventType:    audit.EventCertGenerated,
		ResourceType: audit.ResourceTLSCertificate,
		ResourceID:   record.CertID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("generated certificate %q (CN=%s)", record.Name, bundle.Subject),
		Result:       audit.ResultSuccess,
		Severity:     audit.SeverityLow,
		Details:      map[string]interface{}{"fingerprint": record.Fingerprint, "is_ca": record.IsCA},
	})
	return record, nil
}

// Sign validates a CSR and issues a certificate signed by the stored CA
// identified by caCertID. The CA's private key is decrypted only for the
// duration of the signing operation.
func (m *Manager) Sign(csrPEM, caCertID, name, description, owner string, opts Options, actor audit.Actor) (*database.TLSCertificate, error) {
	const op = "tlscerts.Manager.Sign"

	caRec, err := m.Get(caCertID, "")
	if err != nil {
		return nil, err
	}
	if !caRec.IsCA {
		return nil, apperr.E(apperr.KindValidation, op, "signing certificate is not a CA")
	}
	if !caRec.Active {
		return nil, apperr.E(apperr.KindValidation, op, "signing CA is revoked")
	}

	caKeyPEM, err := m.decryptPrivateKey(caRec)
	if err != nil {
		m.auditFailure(audit.EventCertGenerated, caRec.CertID, actor, "decrypt ca key", err)
		return nil, err
	}

	bundle, err := SignCertificate(csrPEM, caKeyPEM, caRec.CertificatePEM, opts)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindParse {
			m.auditFailure(audit.EventCertGenerated, caRec.CertID, actor, "sign csr", err)
		}
		return nil, err
	}

	// The requester holds the private key for CSR-signed certificates, so
	// the record stores a marker instead of key material.
	bundle.PrivateKeyPEM = []byte("external")
	return m.persistBundle(bundle, name, description, owner, &caRec.CertID, actor)
}

// Get returns a certificate by its opaque identifier, scoped to owner when
// owner is non-empty.
func (m *Manager) Get(certID, owner string) (*database.TLSCertificate, error) {
	const op = "tlscerts.Manager.Get"
	var rec database.TLSCertificate
	tx := m.db.Where("cert_id = ?", certID)
	if owner != "" {
		tx = tx.Where("owner = ?", owner)
	}
	if err := tx.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.KindNotFound, op, "certificate not found")
		}
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}
	return &rec, nil
}

// List returns certificates for an owner, newest first.
func (m *Manager) List(owner string, includeRevoked bool) ([]database.TLSCertificate, error) {
	const op = "tlscerts.Manager.List"
	tx := m.db.Model(&database.TLSCertificate{})
	if owner != "" {
		tx = tx.Where("owner = ?", owner)
	}
	if !includeRevoked {
		tx = tx.Where("active = ?", true)
	}
	var certs []database.TLSCertificate
	if err := tx.Order("created_at DESC").Find(&certs).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}
	return certs, nil
}

// Revoke marks a certificate inactive with the given reason.
func (m *Manager) Revoke(certID, owner, reason string, actor audit.Actor) (*database.TLSCertificate, error) {
	const op = "tlscerts.Manager.Revoke"

	rec, err := m.Get(certID, owner)
	if err != nil {
		return nil, err
	}
	if !rec.Active || rec.RevokedAt != nil {
		return nil, apperr.E(apperr.KindValidation, op, "certificate is already revoked")
	}

	now := m.nowFn()
	patch := map[string]interface{}{
		"active":            false,
		"revoked_at":        now,
		"revoked_by":        actor.ID,
		"revocation_reason": reason,
	}
	if err := m.db.Model(&database.TLSCertificate{}).Where("id = ?", rec.ID).Updates(patch).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}
	rec.Active = false
	rec.RevokedAt = &now
	rec.RevokedBy = actor.ID
	rec.RevocationReason = reason

	m.sink.Record(audit.Entry{
		EventType:    audit.EventCertRevoked,
		ResourceType: audit.ResourceTLSCertificate,
		ResourceID:   rec.CertID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("revoked certificate %q: %s", rec.Name, reason),
		Result:       audit.ResultSuccess,
		Severity:     audit.SeverityMedium,
	})
	return rec, nil
}

// Renew re-issues a certificate with the same subject and SANs and a fresh
// validity window of the same length, atomically revoking the predecessor.
// Exactly one of predecessor and successor is active afterwards.
func (m *Manager) Renew(certID string, actor audit.Actor, reason string) (*database.TLSCertificate, error) {
	const op = "tlscerts.Manager.Renew"
	if reason == "" {
		reason = RenewalReasonAutomatic
	}

	var successor *database.TLSCertificate
	var predecessor database.TLSCertificate

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cert_id = ?", certID).First(&predecessor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.E(apperr.KindNotFound, op, "certificate not found")
			}
			return apperr.Wrap(apperr.KindStore, op, err)
		}
		if !predecessor.Active || predecessor.RevokedAt != nil {
			return apperr.E(apperr.KindValidation, op, "certificate is already revoked")
		}
		if predecessor.IsCA {
			return apperr.E(apperr.KindValidation, op, "CA certificates are not renewed automatically")
		}

		bundle, err := m.reissue(&predecessor)
		if err != nil {
			return err
		}

		masterKey, err := m.keyFn()
		if err != nil {
			return apperr.Wrap(apperr.KindCrypto, op, err)
		}
		ciphertext, iv, tag, err := crypto.EncryptAtRest(bundle.PrivateKeyPEM, masterKey)
		if err != nil {
			return err
		}

		now := m.nowFn()
		successor = &database.TLSCertificate{
			CertID:              bundle.CertID,
			Name:                predecessor.Name,
			Description:         predecessor.Description,
			CertificatePEM:      bundle.CertificatePEM,
			EncryptedPrivateKey: ciphertext,
			IV:                  iv,
			AuthTag:             tag,
			PublicKey:           bundle.PublicKeyPEM,
			Fingerprint:         bundle.Fingerprint,
			SerialNumber:        bundle.SerialNumber,
			Subject:             bundle.Subject,
			Issuer:              bundle.Issuer,
			NotBefore:           bundle.NotBefore,
			NotAfter:            bundle.NotAfter,
			KeySize:             bundle.KeySize,
			Algorithm:           bundle.Algorithm,
			IsCA:                false,
			Active:              true,
			ParentCAID:          predecessor.ParentCAID,
			Owner:               predecessor.Owner,
		}
		if err := tx.Create(successor).Error; err != nil {
			return apperr.Wrap(apperr.KindStore, op, err)
		}

		patch := map[string]interface{}{
			"active":            false,
			"revoked_at":        now,
			"revoked_by":        actor.ID,
			"revocation_reason": reason,
		}
		if err := tx.Model(&database.TLSCertificate{}).Where("id = ?", predecessor.ID).Updates(patch).Error; err != nil {
			return apperr.Wrap(apperr.KindStore, op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.sink.Record(audit.Entry{
		EventType:    audit.EventCertRenewed,
		ResourceType: audit.ResourceTLSCertificate,
		ResourceID:   successor.CertID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("renewed certificate %q", predecessor.Name),
		Result:       audit.ResultSuccess,
		Severity:     audit.SeverityMedium,
		Details: map[string]interface{}{
			"predecessor": predecessor.CertID,
			"successor":   successor.CertID,
			"reason":      reason,
		},
	})
	return successor, nil
}

// reissue builds a replacement bundle for a record: same subject and SANs,
// fresh key, fresh validity window of the predecessor's original length.
// Records signed by a stored CA are re-signed by that CA.
func (m *Manager) reissue(rec *database.TLSCertificate) (*CertBundle, error) {
	const op = "tlscerts.Manager.reissue"

	cert, err := ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return nil, err
	}

	lifetimeDays := int(cert.NotAfter.Sub(cert.NotBefore).Hours() / 24)
	if lifetimeDays <= 0 {
		lifetimeDays = DefaultValidityDays
	}

	bits := rec.KeySize
	if bits == 0 {
		bits = m.cfg.DefaultBits
	}
	opts := Options{
		CommonName:   cert.Subject.CommonName,
		ValidityDays: lifetimeDays,
		KeyBits:      bits,
		DNSNames:     cert.DNSNames,
	}
	if len(cert.Subject.Organization) > 0 {
		opts.Organization = cert.Subject.Organization[0]
	}
	if len(cert.Subject.OrganizationalUnit) > 0 {
		opts.OrganizationalUnit = cert.Subject.OrganizationalUnit[0]
	}
	if len(cert.Subject.Country) > 0 {
		opts.Country = cert.Subject.Country[0]
	}
	if len(cert.Subject.Province) > 0 {
		opts.State = cert.Subject.Province[0]
	}
	if len(cert.Subject.Locality) > 0 {
		opts.Locality = cert.Subject.Locality[0]
	}
	for _, ip := range cert.IPAddresses {
		opts.IPAddresses = append(opts.IPAddresses, ip.String())
	}

	if rec.ParentCAID == nil {
		return GenerateCertificate(opts)
	}

	// Re-sign with the stored parent CA.
	caRec, err := m.Get(*rec.ParentCAID, "")
	if err != nil {
		return nil, err
	}
	if !caRec.Active {
		return nil, apperr.E(apperr.KindValidation, op, "parent CA is revoked")
	}
	caKeyPEM, err := m.decryptPrivateKey(caRec)
	if err != nil {
		return nil, err
	}

	key, err := crypto.GenerateRSAKeyPair(opts.KeyBits)
	if err != nil {
		return nil, err
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:     cert.Subject,
		DNSNames:    cert.DNSNames,
		IPAddresses: cert.IPAddresses,
	}, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	bundle, err := SignCertificate(string(csrPEM), caKeyPEM, caRec.CertificatePEM, opts)
	if err != nil {
		return nil, err
	}
	bundle.PrivateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(key.Public())
	if err == nil {
		bundle.PublicKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	}
	return bundle, nil
}

func (m *Manager) decryptPrivateKey(rec *database.TLSCertificate) ([]byte, error) {
	masterKey, err := m.keyFn()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "tlscerts.Manager.decryptPrivateKey", err)
	}
	return crypto.DecryptAtRest(rec.EncryptedPrivateKey, rec.IV, rec.AuthTag, masterKey)
}

func (m *Manager) auditFailure(eventType, resourceID string, actor audit.Actor, action string, err error) {
	result := audit.ResultFailure
	if apperr.KindOf(err) == apperr.KindStore {
		result = audit.ResultError
	}
	m.sink.Record(audit.Entry{
		EventType:    eventType,
		ResourceType: audit.ResourceTLSCertificate,
		ResourceID:   resourceID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       action,
		Result:       result,
		Severity:     audit.SeverityHigh,
		ErrorMessage: err.Error(),
	})
}
