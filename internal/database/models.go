package database

import "time"

// SSHKey is a managed SSH key pair. The private key is stored only in
// encrypted form: ciphertext, IV, and GCM auth tag live in separate columns
// and are always present together. KeyID is the opaque identifier handed to
// callers; the numeric row id never leaves the store.
type SSHKey struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	KeyID       string `gorm:"uniqueIndex;not null;size:64" json:"key_id"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description,omitempty"`

	PublicKey           string `gorm:"not null;type:text" json:"public_key"`
	EncryptedPrivateKey []byte `gorm:"not null" json:"-"`
	IV                  []byte `gorm:"not null" json:"-"`
	AuthTag             []byte `gorm:"not null" json:"-"`

	Fingerprint string `gorm:"uniqueIndex;not null" json:"fingerprint"`
	KeySize     int    `gorm:"not null" json:"key_size"`

	Active     bool       `gorm:"not null;default:true" json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Owner      string     `gorm:"not null;index" json:"owner"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// TLSCertificate is a managed X.509 certificate with its encrypted private
// key. ParentCAID links a leaf certificate to the CA record that signed it.
type TLSCertificate struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	CertID      string `gorm:"uniqueIndex;not null;size:64" json:"cert_id"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description,omitempty"`

	CertificatePEM      string `gorm:"not null;type:text" json:"certificate_pem"`
	EncryptedPrivateKey []byte `gorm:"not null" json:"-"`
	IV                  []byte `gorm:"not null" json:"-"`
	AuthTag             []byte `gorm:"not null" json:"-"`
	PublicKey           string `gorm:"type:text" json:"public_key"`

	Fingerprint  string    `gorm:"uniqueIndex;not null" json:"fingerprint"`
	SerialNumber string    `gorm:"not null" json:"serial_number"`
	Subject      string    `gorm:"not null" json:"subject"`
	Issuer       string    `gorm:"not null" json:"issuer"`
	NotBefore    time.Time `gorm:"not null" json:"not_before"`
	NotAfter     time.Time `gorm:"not null;index" json:"not_after"`
	KeySize      int       `gorm:"not null" json:"key_size"`
	Algorithm    string    `gorm:"not null" json:"algorithm"`
	IsCA         bool      `gorm:"not null;default:false" json:"is_ca"`

	Active     bool    `gorm:"not null;default:true" json:"active"`
	ParentCAID *string `gorm:"size:64" json:"parent_ca_id,omitempty"`
	Owner      string  `gorm:"not null;index" json:"owner"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// SecurityAuditLog is an append-only record of a security-sensitive
// operation. Rows are never updated and only deleted by retention cleanup.
type SecurityAuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType    string    `gorm:"not null;index" json:"event_type"`
	ResourceType string    `gorm:"not null;index" json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Actor        string    `gorm:"index" json:"actor,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Action       string    `gorm:"not null" json:"action"`
	Result       string    `gorm:"not null;index" json:"result"`
	Details      string    `gorm:"type:text" json:"details,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Severity     string    `gorm:"not null;index" json:"severity"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
