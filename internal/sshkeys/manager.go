package sshkeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sorenvik/credvault/internal/apperr"
	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/database"
	"gorm.io/gorm"
)

// RotationReasonAutomatic is the revocation reason written by scheduled
// rotation.
const RotationReasonAutomatic = "automatic rotation"

// ManagerConfig carries the policy knobs for a Manager.
type ManagerConfig struct {
	DefaultBits           int
	DeployTimeout         time.Duration
	RotationThresholdDays int
}

// Manager implements the SSH key lifecycle over the credential store.
// Every state-changing operation also records an audit event through the
// injected Sink.
type Manager struct {
	db    *gorm.DB
	sink  audit.Sink
	keyFn func() ([]byte, error) // at-rest master key source
	cfg   ManagerConfig
	nowFn func() time.Time
}

// NewManager creates a Manager. keyFn supplies the at-rest master key
// (crypto.MasterKey in production).
func NewManager(db *gorm.DB, sink audit.Sink, keyFn func() ([]byte, error), cfg ManagerConfig) *Manager {
	if cfg.DefaultBits == 0 {
		cfg.DefaultBits = DefaultKeyBits
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = DefaultDeployTimeout
	}
	if cfg.RotationThresholdDays <= 0 {
		cfg.RotationThresholdDays = DefaultRotationThresholdDays
	}
	return &Manager{db: db, sink: sink, keyFn: keyFn, cfg: cfg, nowFn: time.Now}
}

// SetNowFunc sets the clock function used for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) { m.nowFn = fn }

// GenerateOptions are the caller-supplied inputs for key generation.
type GenerateOptions struct {
	Name          string
	Description   string
	Bits          int
	ExpiresInDays int
	Owner         string
}

// Generate creates a new key pair, encrypts the private key at rest, and
// persists the record. The plaintext private key is discarded; it is never
// stored and never returned.
func (m *Manager) Generate(opts GenerateOptions, actor audit.Actor) (*database.SSHKey, error) {
	const op = "sshkeys.Manager.Generate"

	if opts.Name == "" {
		return nil, apperr.E(apperr.KindValidation, op, "name is required")
	}
	if opts.Owner == "" {
		return nil, apperr.E(apperr.KindValidation, op, "owner is required")
	}
	if opts.Bits == 0 {
		opts.Bits = m.cfg.DefaultBits
	}

	gen, err := GenerateKeyPair(opts.Bits)
	if err != nil {
		m.auditFailure(audit.EventKeyGenerated, "", actor, "generate ssh key pair", err)
		return nil, err
	}

	masterKey, err := m.keyFn()
	if err != nil {
		wrapped := apperr.Wrap(apperr.KindCrypto, op, err)
		m.auditFailure(audit.EventKeyGenerated, gen.KeyID, actor, "load master key", wrapped)
		return nil, wrapped
	}
	blob, err := EncryptPrivateKey(gen.PrivateKeyPEM, masterKey)
	if err != nil {
		m.auditFailure(audit.EventKeyGenerated, gen.KeyID, actor, "encrypt private key", err)
		return nil, err
	}

	record := &database.SSHKey{
		KeyID:               gen.KeyID,
		Name:                opts.Name,
		Description:         opts.Description,
		PublicKey:           gen.PublicKey,
		EncryptedPrivateKey: blob.Ciphertext,
		IV:                  blob.IV,
		AuthTag:             blob.AuthTag,
		Fingerprint:         gen.Fingerprint,
		KeySize:             gen.Bits,
		Active:              true,
		Owner:               opts.Owner,
	}
	if opts.ExpiresInDays > 0 {
		exp := m.nowFn().AddDate(0, 0, opts.ExpiresInDays)
		record.ExpiresAt = &exp
	}

	if err := m.db.Create(record).Error; err != nil {
		wrapped := apperr.Wrap(apperr.KindStore, op, err)
		m.auditFailure(audit.EventKeyGenerated, gen.KeyID, actor, "persist ssh key record", wrapped)
		return nil, wrapped
	}

	m.sink.Record(audit.Entry{
		EventType:    audit.EventKeyGenerated,
		ResourceType: audit.ResourceSSHKey,
		ResourceID:   record.KeyID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("generated %d-bit ssh key %q", record.KeySize, record.Name),
		Result:       audit.ResultSuccess,
		Severity:     audit.SeverityLow,
		Details:      map[string]interface{}{"fingerprint": record.Fingerprint},
	})
	return record, nil
}

// Get returns a key by its opaque identifier, scoped to owner. An empty
// owner skips the ownership check (system actor).
func (m *Manager) Get(keyID, owner string) (*database.SSHKey, error) {
	const op = "sshkeys.Manager.Get"
	var rec database.SSHKey
	tx := m.db.Where("key_id = ?", keyID)
	if owner != "" {
		tx = tx.Where("owner = ?", owner)
	}
	if err := tx.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.KindNotFound, op, "ssh key not found")
		}
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}
	return &rec, nil
}

// List returns keys for an owner, newest first. includeRevoked controls
// whether revoked records appear.
func (m *Manager) List(owner string, includeRevoked bool) ([]database.SSHKey, error) {
	const op = "sshkeys.Manager.List"
	tx := m.db.Model(&database.SSHKey{})
	if owner != "" {
		tx = tx.Where("owner = ?", owner)
	}
	if !includeRevoked {
		tx = tx.Where("active = ?", true)
	}
	var keys []database.SSHKey
	if err := tx.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}
	return keys, nil
}

// Revoke marks a key inactive with the given reason. Already-revoked keys
// are rejected.
func (m *Manager) Revoke(keyID, owner, reason string, actor audit.Actor) (*database.SSHKey, error) {
	const op = "sshkeys.Manager.Revoke"

	rec, err := m.Get(keyID, owner)
	if err != nil {
		return nil, err
	}
	if !rec.Active || rec.RevokedAt != nil {
		return nil, apperr.E(apperr.KindValidation, op, "ssh key is already revoked")
	}

	now := m.nowFn()
	patch := map[string]interface{}{
		"active":            false,
		"revoked_at":        now,
		"revoked_by":        actor.ID,
		"revocation_reason": reason,
	}
	if err := m.db.Model(&database.SSHKey{}).Where("id = ?", rec.ID).Updates(patch).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}
	rec.Active = false
	rec.RevokedAt = &now
	rec.RevokedBy = actor.ID
	rec.RevocationReason = reason

	m.sink.Record(audit.Entry{
		EventType:    audit.EventKeyRevoked,
		ResourceType: audit.ResourceSSHKey,
		ResourceID:   rec.KeyID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("revoked ssh key %q: %s", rec.Name, reason),
		Result:       audit.ResultSuccess,
		Severity:     audit.SeverityMedium,
	})
	return rec, nil
}

// DeployOptions selects the stored key to deploy and where.
type DeployOptions struct {
	Host HostConfig
	// AuthKeyID optionally names a stored key whose decrypted private key
	// authenticates the connection instead of a password.
	AuthKeyID string
}

// Deploy pushes the public key of keyID to a remote host. When
// opts.AuthKeyID is set, the referenced stored private key is decrypted and
// used for authentication.
func (m *Manager) Deploy(ctx context.Context, keyID, owner string, opts DeployOptions, actor audit.Actor) (*DeployResult, error) {
	const op = "sshkeys.Manager.Deploy"

	rec, err := m.Get(keyID, owner)
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, apperr.E(apperr.KindValidation, op, "cannot deploy a revoked key")
	}

	host := opts.Host
	if opts.AuthKeyID != "" {
		authPEM, err := m.decryptStoredKey(opts.AuthKeyID, owner)
		if err != nil {
			m.auditDeployFailure(rec.KeyID, host.Host, actor, err)
			return nil, err
		}
		host.PrivateKeyPEM = authPEM
	}

	result, err := Deploy(ctx, host, rec.PublicKey, m.cfg.DeployTimeout)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindValidation {
			m.auditDeployFailure(rec.KeyID, host.Host, actor, err)
		}
		return nil, err
	}

	now := m.nowFn()
	if err := m.db.Model(&database.SSHKey{}).Where("id = ?", rec.ID).
		Update("last_used_at", now).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}

	m.sink.Record(audit.Entry{
		EventType:    audit.EventKeyDeployed,
		ResourceType: audit.ResourceSSHKey,
		ResourceID:   rec.KeyID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("deployed ssh key %q to %s@%s", rec.Name, host.Username, host.Host),
		Result:       audit.ResultSuccess,
		Severity:     audit.SeverityMedium,
		Details:      map[string]interface{}{"host": host.Host, "already_had": result.AlreadyHad},
	})
	return result, nil
}

// testConnectionFunc is a package-level var so tests can override the probe
// without a real SSH server.
var testConnectionFunc = TestConnection

// TestConnection probes a host using the decrypted stored private key of
// keyID for authentication, unless the host config already carries a
// password.
func (m *Manager) TestConnection(ctx context.Context, keyID, owner string, host HostConfig, actor audit.Actor) (*ConnectResult, error) {
	const op = "sshkeys.Manager.TestConnection"

	if host.Password == "" {
		authPEM, err := m.decryptStoredKey(keyID, owner)
		if err != nil {
			return nil, err
		}
		host.PrivateKeyPEM = authPEM
	}

	result, err := testConnectionFunc(ctx, host, m.cfg.DeployTimeout)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindValidation {
			m.auditDeployFailure(keyID, host.Host, actor, err)
		}
		return nil, err
	}

	now := m.nowFn()
	if err := m.db.Model(&database.SSHKey{}).Where("key_id = ?", keyID).
		Update("last_used_at", now).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStore, op, err)
	}
	return result, nil
}

// Rotate replaces a key with a fresh one, atomically: the successor is
// created and the predecessor revoked in a single transaction, so exactly
// one of the two is active afterwards. The current record state is re-read
// inside the transaction; a concurrently revoked record is not rotated
// again.
func (m *Manager) Rotate(keyID string, actor audit.Actor, reason string) (*database.SSHKey, error) {
	const op = "sshkeys.Manager.Rotate"
	if reason == "" {
		reason = RotationReasonAutomatic
	}

	var successor *database.SSHKey
	var predecessor database.SSHKey

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_id = ?", keyID).First(&predecessor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.E(apperr.KindNotFound, op, "ssh key not found")
			}
			return apperr.Wrap(apperr.KindStore, op, err)
		}
		if !predecessor.Active || predecessor.RevokedAt != nil {
			return apperr.E(apperr.KindValidation, op, "ssh key is already revoked")
		}

		gen, err := GenerateKeyPair(predecessor.KeySize)
		if err != nil {
			return err
		}
		masterKey, err := m.keyFn()
		if err != nil {
			return apperr.Wrap(apperr.KindCrypto, op, err)
		}
		blob, err := EncryptPrivateKey(gen.PrivateKeyPEM, masterKey)
		if err != nil {
			return err
		}

		now := m.nowFn()
		successor = &database.SSHKey{
			KeyID:               gen.KeyID,
			Name:                predecessor.Name,
			Description:         predecessor.Description,
			PublicKey:           gen.PublicKey,
			EncryptedPrivateKey: blob.Ciphertext,
			IV:                  blob.IV,
			AuthTag:             blob.AuthTag,
			Fingerprint:         gen.Fingerprint,
			KeySize:             gen.Bits,
			Active:              true,
			Owner:               predecessor.Owner,
		}
		// Inherit the expiry policy: same lifetime, restarted from now.
		if predecessor.ExpiresAt != nil {
			lifetime := predecessor.ExpiresAt.Sub(predecessor.CreatedAt)
			exp := now.Add(lifetime)
			successor.ExpiresAt = &exp
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
		if err := tx.Model(&database.SSHKey{}).Where("id = ?", predecessor.ID).Updates(patch).Error; err != nil {
			return apperr.Wrap(apperr.KindStore, op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.sink.Record(audit.Entry{
		EventType:    audit.EventKeyRotated,
		ResourceType: audit.ResourceSSHKey,
		ResourceID:   successor.KeyID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("rotated ssh key %q", predecessor.Name),
		Result:       audit.ResultSuccess,
		Severity:     audit.SeverityMedium,
		Details: map[string]interface{}{
			"predecessor": predecessor.KeyID,
			"successor":   successor.KeyID,
			"reason":      reason,
		},
	})
	return successor, nil
}

// decryptStoredKey loads a record and decrypts its private key. The
// plaintext stays inside the manager; errors never include key material.
func (m *Manager) decryptStoredKey(keyID, owner string) ([]byte, error) {
	rec, err := m.Get(keyID, owner)
	if err != nil {
		return nil, err
	}
	masterKey, err := m.keyFn()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "sshkeys.Manager.decryptStoredKey", err)
	}
	return DecryptPrivateKey(&EncryptedBlob{
		Ciphertext: rec.EncryptedPrivateKey,
		IV:         rec.IV,
		AuthTag:    rec.AuthTag,
	}, masterKey)
}

func (m *Manager) auditFailure(eventType, resourceID string, actor audit.Actor, action string, err error) {
	result := audit.ResultFailure
	if apperr.KindOf(err) == apperr.KindStore {
		result = audit.ResultError
	}
	m.sink.Record(audit.Entry{
		EventType:    eventType,
		ResourceType: audit.ResourceSSHKey,
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

func (m *Manager) auditDeployFailure(keyID, host string, actor audit.Actor, err error) {
	m.sink.Record(audit.Entry{
		EventType:    audit.EventKeyDeployed,
		ResourceType: audit.ResourceSSHKey,
		ResourceID:   keyID,
		Actor:        actor.ID,
		SourceIP:     actor.SourceIP,
		UserAgent:    actor.UserAgent,
		Action:       fmt.Sprintf("deploy ssh key to %s", host),
		Result:       audit.ResultFailure,
		Severity:     audit.SeverityHigh,
		ErrorMessage: err.Error(),
	})
}
