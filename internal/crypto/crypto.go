// Package crypto implements the primitives the key and certificate managers
// build on: RSA key generation, authenticated encryption at rest, and
// content fingerprinting.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sorenvik/credvault/internal/apperr"
)

const (
	// MinRSABits is the safety floor for generated RSA keys.
	MinRSABits = 2048

	// AtRestKeyBytes is the required length of the symmetric at-rest key
	// (AES-256).
	AtRestKeyBytes = 32

	gcmNonceBytes = 12
	gcmTagBytes   = 16
)

// GenerateRSAKeyPair generates an RSA key pair of the requested modulus size.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		return nil, apperr.E(apperr.KindCrypto, "crypto.GenerateRSAKeyPair",
			"key size below 2048-bit safety floor")
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "crypto.GenerateRSAKeyPair", err)
	}
	return key, nil
}

// EncryptAtRest encrypts plaintext with AES-256-GCM under a fresh random
// nonce. The GCM auth tag is split off the sealed output so that ciphertext,
// IV, and tag can be stored in separate columns.
func EncryptAtRest(plaintext, key []byte) (ciphertext, iv, authTag []byte, err error) {
	if len(key) != AtRestKeyBytes {
		return nil, nil, nil, apperr.E(apperr.KindCrypto, "crypto.EncryptAtRest",
			"encryption key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindCrypto, "crypto.EncryptAtRest", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindCrypto, "crypto.EncryptAtRest", err)
	}

	iv = make([]byte, gcmNonceBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindCrypto, "crypto.EncryptAtRest", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcmTagBytes
	return sealed[:split], iv, sealed[split:], nil
}

// DecryptAtRest reassembles ciphertext and auth tag and opens them with the
// given key and IV. A failed tag check returns a crypto error; corrupted
// data is never returned.
func DecryptAtRest(ciphertext, iv, authTag, key []byte) ([]byte, error) {
	if len(key) != AtRestKeyBytes {
		return nil, apperr.E(apperr.KindCrypto, "crypto.DecryptAtRest",
			"encryption key must be 32 bytes")
	}
	if len(iv) != gcmNonceBytes || len(authTag) != gcmTagBytes {
		return nil, apperr.E(apperr.KindCrypto, "crypto.DecryptAtRest",
			"malformed IV or auth tag")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "crypto.DecryptAtRest", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "crypto.DecryptAtRest", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindCrypto, "crypto.DecryptAtRest", err,
			"integrity check failed")
	}
	return plaintext, nil
}

// Fingerprint returns the SHA-256 digest of data rendered as lowercase
// colon-separated hex pairs. Deterministic: the same input always yields the
// same fingerprint.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	hexStr := hex.EncodeToString(sum[:])
	pairs := make([]string, 0, len(hexStr)/2)
	for i := 0; i < len(hexStr); i += 2 {
		pairs = append(pairs, hexStr[i:i+2])
	}
	return strings.Join(pairs, ":")
}
