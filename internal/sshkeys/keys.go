// Package sshkeys implements the SSH key manager: RSA key pair generation
// in OpenSSH wire format, encrypted private key handling, remote deployment
// of public keys, and rotation eligibility.
package sshkeys

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sorenvik/credvault/internal/apperr"
	"github.com/sorenvik/credvault/internal/crypto"
	"golang.org/x/crypto/ssh"
)

// DefaultKeyBits is the default RSA modulus size for SSH keys.
const DefaultKeyBits = 4096

// DefaultRotationThresholdDays is the age at which a key becomes eligible
// for rotation.
const DefaultRotationThresholdDays = 90

// GeneratedKey is the output of GenerateKeyPair. PrivateKeyPEM is plaintext
// and must be encrypted before persisting; it never leaves the manager.
type GeneratedKey struct {
	KeyID         string
	PrivateKeyPEM []byte
	PublicKey     string // authorized_keys format: "ssh-rsa AAAA... "
	Fingerprint   string
	Bits          int
}

// GenerateKeyPair generates an RSA key pair and encodes the public key in
// the SSH wire format (length-prefixed algorithm name, exponent, and modulus
// as minimal big-endian integers with high-bit zero padding).
func GenerateKeyPair(bits int) (*GeneratedKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}

	priv, err := crypto.GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	sshPub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "sshkeys.GenerateKeyPair", err)
	}

	return &GeneratedKey{
		KeyID:         uuid.NewString(),
		PrivateKeyPEM: privPEM,
		PublicKey:     strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
		Fingerprint:   crypto.Fingerprint(sshPub.Marshal()),
		Bits:          bits,
	}, nil
}

// FingerprintPublicKey re-derives the fingerprint of an authorized_keys
// format public key. It matches the fingerprint stored at generation time.
func FingerprintPublicKey(publicKey string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", apperr.Wrap(apperr.KindParse, "sshkeys.FingerprintPublicKey", err)
	}
	return crypto.Fingerprint(pub.Marshal()), nil
}

// EncryptedBlob holds an encrypted private key as it is persisted:
// ciphertext, IV, and auth tag stored independently.
type EncryptedBlob struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// EncryptPrivateKey encrypts a PEM private key for storage at rest.
func EncryptPrivateKey(privateKeyPEM, key []byte) (*EncryptedBlob, error) {
	ciphertext, iv, tag, err := crypto.EncryptAtRest(privateKeyPEM, key)
	if err != nil {
		return nil, err
	}
	return &EncryptedBlob{Ciphertext: ciphertext, IV: iv, AuthTag: tag}, nil
}

// DecryptPrivateKey recovers the PEM private key from an encrypted blob.
func DecryptPrivateKey(blob *EncryptedBlob, key []byte) ([]byte, error) {
	return crypto.DecryptAtRest(blob.Ciphertext, blob.IV, blob.AuthTag, key)
}

// NeedsRotation reports whether a key created at createdAt is due for
// rotation. The boundary is inclusive: a key exactly thresholdDays old
// needs rotation.
func NeedsRotation(createdAt time.Time, thresholdDays int) bool {
	return NeedsRotationAt(createdAt, thresholdDays, time.Now())
}

// NeedsRotationAt is NeedsRotation with an explicit clock.
func NeedsRotationAt(createdAt time.Time, thresholdDays int, now time.Time) bool {
	if thresholdDays <= 0 {
		thresholdDays = DefaultRotationThresholdDays
	}
	return now.Sub(createdAt) >= time.Duration(thresholdDays)*24*time.Hour
}
