// Package auth provides API key utilities for the cidrsweep HTTP service.
// Keys are generated from a secure random source and only their bcrypt
// hashes are kept in configuration.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "cs"

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	minKeyLength = 15
	maxKeyLength = 50
)

// GeneratedAPIKey is a new key together with the hash to put in configuration.
type GeneratedAPIKey struct {
	Key           string `json:"key"` // only shown once
	Hash          string `json:"hash"`
	DisplayPrefix string `json:"display_prefix"`
}

// GenerateAPIKey creates a new random API key and its hash.
func GenerateAPIKey() (*GeneratedAPIKey, error) {
	return generateAPIKey(BcryptCost)
}

func generateAPIKey(cost int) (*GeneratedAPIKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes))
	randomPart = randomPart[:APIKeyLength]

	key := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart)
	hash, err := hashAPIKey(key, cost)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Key:           key,
		Hash:          hash,
		DisplayPrefix: CreateDisplayPrefix(key),
	}, nil
}

// HashAPIKey creates a bcrypt hash of an API key for storage
func HashAPIKey(apiKey string) (string, error) {
	return hashAPIKey(apiKey, BcryptCost)
}

func hashAPIKey(apiKey string, cost int) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), bcryptInput(apiKey)) == nil
}

// bcryptInput pre-hashes keys longer than bcrypt's 72-byte limit.
func bcryptInput(apiKey string) []byte {
	keyBytes := []byte(apiKey)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}
	return keyBytes
}

// IsValidAPIKeyFormat checks if an API key has the correct format
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < minKeyLength || len(apiKey) > maxKeyLength {
		return false
	}

	for _, char := range apiKey {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix creates a safe-to-display prefix from a full API key
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}

	_, random, _ := strings.Cut(apiKey, "_")
	if len(random) > 8 {
		random = random[:8]
	}
	return fmt.Sprintf("%s_%s...", APIKeyPrefix, random)
}

// KeyRing checks presented keys against a set of bcrypt hashes. Keys that
// matched once are remembered by digest so repeat requests skip bcrypt.
type KeyRing struct {
	hashes   []string
	mu       sync.RWMutex
	verified map[string]bool
}

// NewKeyRing creates a key ring over hashes.
func NewKeyRing(hashes []string) *KeyRing {
	return &KeyRing{
		hashes:   append([]string(nil), hashes...),
		verified: make(map[string]bool),
	}
}

// Enabled reports whether any key is configured.
func (k *KeyRing) Enabled() bool {
	return k != nil && len(k.hashes) > 0
}

// Match reports whether apiKey matches any configured hash.
func (k *KeyRing) Match(apiKey string) bool {
	if !k.Enabled() || apiKey == "" {
		return false
	}

	sum := sha256.Sum256([]byte(apiKey))
	digest := hex.EncodeToString(sum[:])

	k.mu.RLock()
	ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return true
	}

	for _, hash := range k.hashes {
		if ValidateAPIKey(apiKey, hash) {
			k.mu.Lock()
			k.verified[digest] = true
			k.mu.Unlock()
			return true
		}
	}
	return false
}
