package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EncryptionKeySize is the length of an at-rest encryption key in bytes.
const EncryptionKeySize = 32

// GenerateEncryptionKey writes a new random encryption key to path,
// base64-encoded, with owner-only permissions.
func GenerateEncryptionKey(path string) error {
	var key [EncryptionKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key[:]) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// LoadEncryptionKey reads a base64-encoded encryption key from path.
func LoadEncryptionKey(path string) ([EncryptionKeySize]byte, error) {
	var key [EncryptionKeySize]byte

	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("read key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != EncryptionKeySize {
		return key, fmt.Errorf("key must be %d bytes, got %d", EncryptionKeySize, len(raw))
	}

	copy(key[:], raw)
	return key, nil
}

// EnsureEncryptionKey loads the key at path, generating it first if the file
// does not exist.
func EnsureEncryptionKey(path string) ([EncryptionKeySize]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := GenerateEncryptionKey(path); err != nil {
			return [EncryptionKeySize]byte{}, err
		}
	}
	return LoadEncryptionKey(path)
}
