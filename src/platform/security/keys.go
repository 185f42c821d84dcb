package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	callerIDPrefix = "CL-"
	callerIDHexLen = 12
	apiKeyEntropy  = 32
	bcryptCost     = bcrypt.DefaultCost
)

// GenerateCallerID returns an opaque caller identity of the form
// CL-<12 uppercase hex chars>.
func GenerateCallerID() (string, error) {
	raw := make([]byte, callerIDHexLen/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate caller id: %w", err)
	}
	return callerIDPrefix + strings.ToUpper(hex.EncodeToString(raw)), nil
}

// GenerateAPIKey returns a base64url key with 256 bits of entropy.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, apiKeyEntropy)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey produces the bcrypt hash stored alongside the encrypted copy.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

func CompareAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// DigestAPIKey returns the deterministic sha256 hex digest used as the
// indexed lookup column. bcrypt hashes are salted and cannot be queried by
// value, so the digest is what maps a presented key back to its caller.
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
