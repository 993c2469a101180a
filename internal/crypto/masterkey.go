package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/fernet/fernet-go"
	"github.com/sorenvik/credvault/internal/database"
)

const (
	settingFernetKey = "fernet_key"
	settingMasterKey = "master_key"
)

var (
	masterMu     sync.Mutex
	masterCached []byte
)

func getFernetKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(settingFernetKey)
	if err != nil {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting(settingFernetKey, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// MasterKey returns the 32-byte at-rest encryption key, generating and
// persisting it on first call. The key is stored in the settings table
// fernet-wrapped so a raw database dump does not expose it directly.
func MasterKey() ([]byte, error) {
	masterMu.Lock()
	defer masterMu.Unlock()

	if masterCached != nil {
		return masterCached, nil
	}

	fk, err := getFernetKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := database.GetSetting(settingMasterKey)
	if err == nil && wrapped != "" {
		msg := fernet.VerifyAndDecrypt([]byte(wrapped), 0, []*fernet.Key{fk})
		if msg == nil {
			return nil, fmt.Errorf("unwrap master key: invalid token")
		}
		raw, err := base64.StdEncoding.DecodeString(string(msg))
		if err != nil || len(raw) != AtRestKeyBytes {
			return nil, fmt.Errorf("unwrap master key: malformed key material")
		}
		masterCached = raw
		return masterCached, nil
	}

	// First start: generate and persist a fresh master key.
	raw := make([]byte, AtRestKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	tok, err := fernet.EncryptAndSign([]byte(base64.StdEncoding.EncodeToString(raw)), fk)
	if err != nil {
		return nil, fmt.Errorf("wrap master key: %w", err)
	}
	if err := database.SetSetting(settingMasterKey, string(tok)); err != nil {
		return nil, fmt.Errorf("save master key: %w", err)
	}

	masterCached = raw
	return masterCached, nil
}

// ResetMasterKeyCache clears the cached master key (for testing).
func ResetMasterKeyCache() {
	masterMu.Lock()
	defer masterMu.Unlock()
	masterCached = nil
}
