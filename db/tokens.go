package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/formcheck/crypto"
)

// TokenStore persists OAuth tokens in oauth_tokens. When Enc is set, access,
// refresh and raw values are sealed (encryption_version=1); rows written
// without a key stay readable as plaintext (encryption_version=0).
type TokenStore struct {
	DB  *sql.DB
	Enc *crypto.AESEncryptor
}

// NewTokenStore returns a store that encrypts with encryptionKey, or stores
// plaintext when the key is empty.
func NewTokenStore(database *sql.DB, encryptionKey string) (*TokenStore, error) {
	ts := &TokenStore{DB: database}
	if encryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
		return ts, nil
	}
	enc, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	ts.Enc = enc
	return ts, nil
}

// UpsertOAuthToken stores or replaces the token row for provider.
func (s *TokenStore) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	return s.upsert(ctx, provider, access, refresh, expiry, "", raw)
}

// UpdateRefreshed writes the result of a refresh, keeping scope.
func (s *TokenStore) UpdateRefreshed(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	return s.upsert(ctx, provider, access, refresh, expiry, scope, "")
}

func (s *TokenStore) upsert(ctx context.Context, provider, access, refresh string, expiry time.Time, scope, raw string) error {
	version, keyID := 0, ""
	if s.Enc != nil {
		version, keyID = 1, s.Enc.KeyID()
		var err error
		if access, err = crypto.EncryptString(s.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		if raw, err = crypto.EncryptString(s.Enc, raw); err != nil {
			return fmt.Errorf("encrypt raw token: %w", err)
		}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens
		(provider, access_token, refresh_token, expires_at, scope, raw, encryption_version, encryption_key_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(provider) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at,
			scope=CASE WHEN excluded.scope = '' THEN oauth_tokens.scope ELSE excluded.scope END,
			raw=excluded.raw,
			encryption_version=excluded.encryption_version,
			encryption_key_id=excluded.encryption_key_id,
			updated_at=excluded.updated_at`,
		provider, access, refresh, ToMillis(expiry), scope, raw, version, keyID, ToMillis(time.Now()))
	return err
}

// GetOAuthToken returns the stored token for provider, decrypting sealed rows.
// A missing row yields empty values and a nil error.
func (s *TokenStore) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	t, err := s.Get(ctx, provider)
	if err != nil || t == nil {
		return "", "", time.Time{}, "", err
	}
	return t.AccessToken, t.RefreshToken, t.Expiry, t.Raw, nil
}

// Token is a decrypted oauth_tokens row.
type Token struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
	Raw          string
	Encrypted    bool
}

// Get returns the decrypted token row, or nil when absent.
func (s *TokenStore) Get(ctx context.Context, provider string) (*Token, error) {
	var (
		t       = Token{Provider: provider}
		expires int64
		version int
	)
	err := s.DB.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, scope, raw, encryption_version
		FROM oauth_tokens WHERE provider=$1`, provider).
		Scan(&t.AccessToken, &t.RefreshToken, &expires, &t.Scope, &t.Raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Expiry = FromMillis(expires)
	if version == 0 {
		return &t, nil
	}
	if s.Enc == nil {
		return nil, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
	}
	t.Encrypted = true
	for _, field := range []*string{&t.AccessToken, &t.RefreshToken, &t.Raw} {
		plain, err := crypto.DecryptString(s.Enc, *field)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s token: %w", provider, err)
		}
		*field = plain
	}
	return &t, nil
}

// EncryptPlaintext seals every encryption_version=0 row and returns the
// providers it touched. With dryRun it only reports them.
func (s *TokenStore) EncryptPlaintext(ctx context.Context, dryRun bool) ([]string, error) {
	if s.Enc == nil {
		return nil, errors.New("ENCRYPTION_KEY is required to encrypt tokens")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE encryption_version=0 ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			_ = rows.Close()
			return nil, err
		}
		providers = append(providers, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if dryRun {
		return providers, nil
	}
	for _, p := range providers {
		t, err := (&TokenStore{DB: s.DB}).Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		if err := s.upsert(ctx, p, t.AccessToken, t.RefreshToken, t.Expiry, t.Scope, t.Raw); err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", p, err)
		}
	}
	return providers, nil
}
