// Package auth guards the admin pages: a single bcrypt-hashed password kept in
// the kv table, and HS256 session tokens issued after login.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/db"
)

const (
	keyPasswordHash  = "admin_password_hash"
	keySessionSecret = "session_secret"
	// keySessionGen is embedded in every session; rotating it revokes them all.
	keySessionGen = "session_generation"

	// MinPasswordLength applies to passwords set through Change and Set.
	MinPasswordLength = 8
	// Subject is the sub claim of every admin session.
	Subject = "admin"
	issuer  = "formcheck"
)

var (
	// ErrInvalidPassword means the supplied password does not match the stored hash.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrPasswordTooShort is returned for new passwords under MinPasswordLength.
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	// ErrPasswordUnchanged is returned when the new password equals the current one.
	ErrPasswordUnchanged = errors.New("new password must differ from the current one")
	// ErrNoPassword means no admin password has been stored yet.
	ErrNoPassword = errors.New("admin password not set")
	// ErrInvalidSession covers malformed, expired and forged session tokens.
	ErrInvalidSession = errors.New("invalid session")
)

// hashCost is lowered by tests.
var hashCost = bcrypt.DefaultCost

// Manager owns the admin password and session signing key.
type Manager struct {
	db     *sql.DB
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
}

// New loads the session secret from cfg, falling back to one stored in kv,
// and generates and stores one when neither exists so sessions survive restarts.
func New(ctx context.Context, database *sql.DB, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		db:     database,
		ttl:    cfg.SessionTTL,
		logger: slog.Default().With(slog.String("component", "auth")),
	}
	if m.ttl <= 0 {
		m.ttl = 12 * time.Hour
	}
	if cfg.SessionSecret != "" {
		m.secret = []byte(cfg.SessionSecret)
		return m, nil
	}
	stored, err := db.GetKV(ctx, database, keySessionSecret)
	if err != nil {
		return nil, fmt.Errorf("load session secret: %w", err)
	}
	if stored == "" {
		if stored, err = randomString(32); err != nil {
			return nil, err
		}
		if err := db.SetKV(ctx, database, keySessionSecret, stored); err != nil {
			return nil, fmt.Errorf("store session secret: %w", err)
		}
		m.logger.Info("generated session secret (set SESSION_SECRET to manage it yourself)")
	}
	m.secret = []byte(stored)
	return m, nil
}

// EnsurePassword seeds the admin password when none is stored. initial is used
// when non-empty; otherwise a random password is generated, logged once and returned.
// An existing password is never replaced.
func (m *Manager) EnsurePassword(ctx context.Context, initial string) (generated string, err error) {
	hash, err := db.GetKV(ctx, m.db, keyPasswordHash)
	if err != nil {
		return "", fmt.Errorf("load password hash: %w", err)
	}
	if hash != "" {
		return "", nil
	}
	if initial != "" {
		if err := m.setHash(ctx, initial); err != nil {
			return "", err
		}
		m.logger.Info("admin password initialized from ADMIN_PASSWORD")
		return "", nil
	}
	generated, err = randomString(12)
	if err != nil {
		return "", err
	}
	if err := m.setHash(ctx, generated); err != nil {
		return "", err
	}
	m.logger.Warn("no admin password configured; generated a one-time password, change it after first login",
		slog.String("password", generated))
	return generated, nil
}

// Verify reports whether password matches the stored hash.
func (m *Manager) Verify(ctx context.Context, password string) (bool, error) {
	hash, err := db.GetKV(ctx, m.db, keyPasswordHash)
	if err != nil {
		return false, fmt.Errorf("load password hash: %w", err)
	}
	if hash == "" {
		return false, ErrNoPassword
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Change replaces the password after checking current.
func (m *Manager) Change(ctx context.Context, current, next string) error {
	ok, err := m.Verify(ctx, current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidPassword
	}
	if current == next {
		return ErrPasswordUnchanged
	}
	if err := m.Set(ctx, next); err != nil {
		return err
	}
	m.logger.Info("admin password changed")
	return nil
}

// Set stores password without checking the old one. Used by the CLI.
func (m *Manager) Set(ctx context.Context, password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return m.setHash(ctx, password)
}

// ImportLegacyPasswordFile reads a JSON file of the form {"password": "..."}
// and stores the hash of its password. The length rule is not applied so an
// existing short password keeps working until it is changed.
func (m *Manager) ImportLegacyPasswordFile(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read password file: %w", err)
	}
	var legacy struct {
		Password string `json:"password"`
	}
	if err := json.Unmarshal(b, &legacy); err != nil {
		return fmt.Errorf("parse password file: %w", err)
	}
	if strings.TrimSpace(legacy.Password) == "" {
		return errors.New("password file has no password")
	}
	if err := m.setHash(ctx, legacy.Password); err != nil {
		return err
	}
	m.logger.Info("imported legacy admin password", slog.String("file", path))
	return nil
}

func (m *Manager) setHash(ctx context.Context, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := db.SetKV(ctx, m.db, keyPasswordHash, string(hash)); err != nil {
		return fmt.Errorf("store password hash: %w", err)
	}
	return m.RevokeSessions(ctx)
}

// sessionClaims ties a token to the session generation current at login.
type sessionClaims struct {
	Generation string `json:"gen"`
	jwt.RegisteredClaims
}

// RevokeSessions invalidates every issued session. Called on logout and
// whenever the password is replaced.
func (m *Manager) RevokeSessions(ctx context.Context) error {
	gen, err := randomString(12)
	if err != nil {
		return err
	}
	if err := db.SetKV(ctx, m.db, keySessionGen, gen); err != nil {
		return fmt.Errorf("store session generation: %w", err)
	}
	return nil
}

// IssueSession signs a new admin session token.
func (m *Manager) IssueSession(ctx context.Context) (token string, expires time.Time, err error) {
	gen, err := db.GetKV(ctx, m.db, keySessionGen)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load session generation: %w", err)
	}
	now := time.Now()
	expires = now.Add(m.ttl)
	claims := sessionClaims{
		Generation: gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   Subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, expires, nil
}

// VerifySession checks signature, expiry, subject and generation of token.
func (m *Manager) VerifySession(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidSession
	}
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithSubject(Subject), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	gen, err := db.GetKV(ctx, m.db, keySessionGen)
	if err != nil {
		return fmt.Errorf("load session generation: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Generation), []byte(gen)) != 1 {
		return fmt.Errorf("%w: revoked", ErrInvalidSession)
	}
	return nil
}

// TTL is the lifetime of issued sessions.
func (m *Manager) TTL() time.Duration { return m.ttl }

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
