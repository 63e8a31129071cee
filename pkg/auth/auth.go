// Package auth implements API key issuance, verification, scopes and the
// fixed-window rate limiter.
//
// Keys have the wire form "om.<id>.<secret>". Only a CPU-hard hash of the
// secret is stored; verification recomputes the hash and compares in
// constant time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

// Key scopes.
const (
	ScopeMemoryRead  = "memory:read"
	ScopeMemoryWrite = "memory:write"
	ScopeAdminAll    = "admin:*"
)

const keyPrefix = "om"

// argon2id parameters. Changing them invalidates no stored hash because
// each hash records its own parameters.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	KeyID  string
	Scopes []string
}

// HasScope reports whether the identity carries the needed scope. The
// "admin:*" scope grants everything; a family wildcard such as "memory:*"
// grants every scope in its family.
func (id *Identity) HasScope(need string) bool {
	for _, s := range id.Scopes {
		if s == need || s == ScopeAdminAll {
			return true
		}
		if family, ok := strings.CutSuffix(s, ":*"); ok &&
			strings.HasPrefix(need, family+":") {
			return true
		}
	}
	return false
}

// HashSecret derives the stored form of a secret. The salt and parameters
// are encoded alongside the digest.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("HashSecret: %w", err)
	}
	digest := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest)), nil
}

// VerifySecret recomputes the hash under the stored parameters and
// compares in constant time.
func VerifySecret(stored, secret string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, timeCost, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// IssuedKey is the one-time result of key creation. Plaintext is shown
// once and never stored.
type IssuedKey struct {
	ID        string `json:"id"`
	Plaintext string `json:"key"`
}

// Service authenticates requests against stored keys.
type Service struct {
	store storage.Store

	// adminKey is either an argon2id hash produced by the hash-key
	// command or, for development, the raw shared secret.
	adminKey string
}

// New builds the service.
func New(store storage.Store, adminKey string) *Service {
	return &Service{store: store, adminKey: adminKey}
}

// IssueKey mints a key for a user and stores only its hash.
func (s *Service) IssueKey(ctx context.Context, userID string, scopes []string) (*IssuedKey, error) {
	if userID == "" {
		return nil, core.EK("IssueKey", core.KindValidation, errors.New("user_id is required"))
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeMemoryRead, ScopeMemoryWrite}
	}
	id, err := randomToken(8)
	if err != nil {
		return nil, core.E("IssueKey", err)
	}
	secret, err := randomToken(24)
	if err != nil {
		return nil, core.E("IssueKey", err)
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, core.E("IssueKey", err)
	}
	row := &storage.APIKeyRow{
		ID:        id,
		UserID:    userID,
		Hash:      hash,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertAPIKey(ctx, row); err != nil {
		return nil, core.E("IssueKey", err)
	}
	return &IssuedKey{
		ID:        id,
		Plaintext: fmt.Sprintf("%s.%s.%s", keyPrefix, id, secret),
	}, nil
}

// Authenticate resolves a presented key to an identity.
func (s *Service) Authenticate(ctx context.Context, presented string) (*Identity, error) {
	parts := strings.Split(presented, ".")
	if len(parts) != 3 || parts[0] != keyPrefix {
		return nil, core.EK("Authenticate", core.KindUnauthorized, errors.New("malformed api key"))
	}
	id, secret := parts[1], parts[2]

	row, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, core.E("Authenticate", err)
	}
	if row == nil || row.Disabled || !VerifySecret(row.Hash, secret) {
		return nil, core.EK("Authenticate", core.KindUnauthorized, errors.New("invalid api key"))
	}
	if err := s.store.TouchAPIKey(ctx, id, time.Now().UTC()); err != nil {
		return nil, core.E("Authenticate", err)
	}
	return &Identity{UserID: row.UserID, KeyID: row.ID, Scopes: row.Scopes}, nil
}

// VerifyAdmin checks a presented admin credential. A hash-form configured
// key is verified with argon2id; anything else is compared in constant
// time for development setups.
func (s *Service) VerifyAdmin(presented string) bool {
	if s.adminKey == "" || presented == "" {
		return false
	}
	if strings.HasPrefix(s.adminKey, "$argon2id$") {
		return VerifySecret(s.adminKey, presented)
	}
	return subtle.ConstantTimeCompare([]byte(s.adminKey), []byte(presented)) == 1
}

// DisableKey revokes a key.
func (s *Service) DisableKey(ctx context.Context, id string) error {
	if err := s.store.DisableAPIKey(ctx, id); err != nil {
		return core.E("DisableKey", err)
	}
	return nil
}

// ListKeys lists a user's keys; hashes are blanked.
func (s *Service) ListKeys(ctx context.Context, userID string) ([]*storage.APIKeyRow, error) {
	rows, err := s.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, core.E("ListKeys", err)
	}
	for _, r := range rows {
		r.Hash = ""
	}
	return rows, nil
}

func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Limiter is a fixed-window rate limiter backed by the rate_limits table
// so the count survives restarts and is shared across instances.
type Limiter struct {
	store  storage.Store
	window time.Duration
	max    int
}

// NewLimiter builds a limiter with the configured window and budget.
func NewLimiter(store storage.Store, window time.Duration, max int) *Limiter {
	return &Limiter{store: store, window: window, max: max}
}

// Allow bumps the counter for key's current window. When the budget is
// exhausted it returns a RateLimited error and the time until the window
// rolls over.
func (l *Limiter) Allow(ctx context.Context, key string) (time.Duration, error) {
	now := time.Now().UTC()
	windowStart := now.Truncate(l.window)
	count, err := l.store.RateLimitBump(ctx, key, windowStart)
	if err != nil {
		return 0, core.E("Allow", err)
	}
	if count > l.max {
		retryAfter := windowStart.Add(l.window).Sub(now)
		return retryAfter, core.EK("Allow", core.KindRateLimited,
			fmt.Errorf("%d requests in window, limit %d", count, l.max))
	}
	return 0, nil
}
