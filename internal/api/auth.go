package api

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/raine/roomedit/internal/apperr"
	"github.com/raine/roomedit/internal/edit"
)

const identityKey = "identity"

// TokenVerifier matches bearer tokens against bcrypt hashes keyed by
// caller identity.
type TokenVerifier struct {
	hashes map[string]string

	mu       sync.RWMutex
	verified map[string]string // sha256(token) -> identity
}

func NewTokenVerifier(hashes map[string]string) *TokenVerifier {
	return &TokenVerifier{
		hashes:   hashes,
		verified: make(map[string]string),
	}
}

// Enabled reports whether any tokens are configured.
func (v *TokenVerifier) Enabled() bool {
	return v != nil && len(v.hashes) > 0
}

// Identify returns the identity whose hash matches token.
func (v *TokenVerifier) Identify(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	identity, ok := v.verified[key]
	v.mu.RUnlock()
	if ok {
		return identity, true
	}

	for identity, hash := range v.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			v.mu.Lock()
			v.verified[key] = identity
			v.mu.Unlock()
			return identity, true
		}
	}
	return "", false
}

// requireAuth resolves the caller identity from the Authorization header.
// With no tokens configured every caller is anonymous.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	if !s.auth.Enabled() {
		c.Locals(identityKey, edit.AnonymousOwner)
		return c.Next()
	}

	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return apperr.New(apperr.KindUnauthorized, "missing bearer token")
	}
	identity, ok := s.auth.Identify(strings.TrimSpace(token))
	if !ok {
		return apperr.New(apperr.KindUnauthorized, "invalid bearer token")
	}
	c.Locals(identityKey, identity)
	return c.Next()
}

func identity(c *fiber.Ctx) string {
	if id, ok := c.Locals(identityKey).(string); ok && id != "" {
		return id
	}
	return edit.AnonymousOwner
}
