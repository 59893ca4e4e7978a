// Package keyauth resolves inbound proxy keys and admin sessions.
//
// Proxy requests may authenticate with any of Authorization: Bearer,
// x-api-key, or x-goog-api-key, so every supported CLI dialect works
// unmodified. The admin surface uses a password login that mints an HS256
// JWT.
package keyauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/nulpointcorp/channel-gateway/internal/store"
)

// Authentication failures surfaced to the boundary.
var (
	ErrNoKey      = errors.New("keyauth: no api key presented")
	ErrInvalidKey = errors.New("keyauth: unknown or disabled api key")
)

// tokenTTL is the admin session lifetime.
const tokenTTL = 7 * 24 * time.Hour

// Service owns the built-in key, proxy-key lookups, and admin sessions.
type Service struct {
	db            *store.Store
	builtinKey    string
	adminPassword string
	jwtSecret     []byte
	log           *slog.Logger
}

// New builds the Service. When builtinKey is empty a random 32-byte value is
// generated, stable for the process lifetime.
func New(db *store.Store, builtinKey, adminPassword, jwtSecret string, log *slog.Logger) *Service {
	if builtinKey == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			panic(fmt.Sprintf("keyauth: entropy unavailable: %v", err))
		}
		builtinKey = base64.StdEncoding.EncodeToString(raw)
		log.Info("generated ephemeral proxy api key", "key", builtinKey)
	}
	return &Service{
		db:            db,
		builtinKey:    builtinKey,
		adminPassword: adminPassword,
		jwtSecret:     []byte(jwtSecret),
		log:           log,
	}
}

// BuiltinKey exposes the always-enabled process key.
func (s *Service) BuiltinKey() string { return s.builtinKey }

// ExtractKey picks the first non-empty credential from the accepted inbound
// headers, in documented precedence order.
func ExtractKey(authorization, xAPIKey, xGoogKey string) string {
	if authorization != "" {
		key := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
		if key != "" && key != authorization {
			return key
		}
		// A bare Authorization value without the Bearer scheme still counts.
		if !strings.ContainsRune(authorization, ' ') {
			return strings.TrimSpace(authorization)
		}
	}
	if k := strings.TrimSpace(xAPIKey); k != "" {
		return k
	}
	return strings.TrimSpace(xGoogKey)
}

// Principal is an authenticated caller.
type Principal struct {
	// Builtin marks the process key, which bypasses all permission checks.
	Builtin bool
	Key     *store.ProxyKey
}

// Allows applies the permission predicate for (channelID, modelID).
func (p *Principal) Allows(channelID, modelID uint) bool {
	if p.Builtin {
		return true
	}
	return p.Key.Allows(channelID, modelID)
}

// Authenticate resolves a presented key value. The built-in key short
// circuits; otherwise the ProxyKey row must exist and be enabled. Usage
// accounting is fire-and-forget.
func (s *Service) Authenticate(ctx context.Context, presented string) (*Principal, error) {
	if presented == "" {
		return nil, ErrNoKey
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.builtinKey)) == 1 {
		return &Principal{Builtin: true}, nil
	}

	key, err := s.db.FindProxyKeyByValue(ctx, presented)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if !key.Enabled {
		return nil, ErrInvalidKey
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.db.TouchProxyKey(touchCtx, key.ID); err != nil {
			s.log.Warn("proxy key touch failed", "key_id", key.ID, "error", err)
		}
	}()

	return &Principal{Key: key}, nil
}

// VerifyPassword checks the admin password. Stored values starting with $2
// are bcrypt hashes; anything else is compared as plaintext.
func (s *Service) VerifyPassword(password string) bool {
	if s.adminPassword == "" {
		return false
	}
	if strings.HasPrefix(s.adminPassword, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(s.adminPassword), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.adminPassword), []byte(password)) == 1
}

// IssueToken mints a 7-day admin session token.
func (s *Service) IssueToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("keyauth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates an admin session token.
func (s *Service) VerifyToken(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("keyauth: unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return fmt.Errorf("keyauth: invalid token: %w", err)
	}
	if !token.Valid {
		return errors.New("keyauth: invalid token")
	}
	return nil
}

// GenerateKeyValue mints a fresh proxy-key secret ("sk-" + 48 hex chars).
func GenerateKeyValue() string {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("keyauth: entropy unavailable: %v", err))
	}
	return "sk-" + fmt.Sprintf("%x", raw)
}
