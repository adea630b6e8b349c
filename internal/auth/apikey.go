package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/goccy/go-json"

	"github.com/af-corp/switchboard/internal/types"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateKey creates a new API key with the format: sb-{env}-{32 random alphanumeric chars}
func GenerateKey(env string) (string, error) {
	random, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return fmt.Sprintf("sb-%s-%s", env, random), nil
}

// HashKey returns the SHA-256 hex digest of an API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)
}

// KeyPrefix extracts a display-safe prefix from a key: sb-{env}-{first 8 chars}
func KeyPrefix(key string) string {
	if len(key) < 16 {
		return key
	}
	dashes := 0
	for i, c := range key {
		if c == '-' {
			dashes++
			if dashes == 2 {
				end := i + 9 // dash + 8 chars
				if end > len(key) {
					end = len(key)
				}
				return key[:end]
			}
		}
	}
	return key[:16]
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// KeyMetadata holds the cached metadata for an API key.
type KeyMetadata struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	AllowedModels []string                   `json:"allowed_models,omitempty"`
	AllowedGroups []string                   `json:"allowed_groups,omitempty"`
	UsePolling    bool                       `json:"use_polling"`
	Params        map[string]json.RawMessage `json:"params,omitempty"`
	SystemPrompt  string                     `json:"system_prompt,omitempty"`
	RPMLimit      *int                       `json:"rpm_limit,omitempty"`
	ExpiresAt     time.Time                  `json:"expires_at"`
}

// Policy converts the stored metadata to the routing policy carried in the request context.
func (km *KeyMetadata) Policy() *types.KeyPolicy {
	return &types.KeyPolicy{
		KeyID:         km.ID,
		Name:          km.Name,
		Params:        km.Params,
		SystemPrompt:  km.SystemPrompt,
		AllowedModels: km.AllowedModels,
		AllowedGroups: km.AllowedGroups,
		UsePolling:    km.UsePolling,
		RPMLimit:      km.RPMLimit,
	}
}

// ParseDuration parses a duration string like "365d", "30d", "24h".
func ParseDuration(s string) (time.Duration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty duration")
	}
	last := s[len(s)-1]
	if last == 'd' {
		var days int
		_, err := fmt.Sscanf(s, "%dd", &days)
		if err != nil {
			return 0, fmt.Errorf("parse days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
