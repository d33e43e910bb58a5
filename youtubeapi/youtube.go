// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for the single purpose of publishing analyzed bowling clips. Tokens are
// persisted via the provided TokenStore so the refresher and the publish
// handler share them.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/formcheck/config"
)

// Provider is the oauth_tokens key for YouTube credentials.
const Provider = "youtube"

// ErrNotConnected is returned when no YouTube token has been stored yet.
var ErrNotConnected = errors.New("no youtube token stored")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

type Service struct {
	cfg   *config.Config
	db    TokenStore
	oauth *oauth2.Config
	// apiEndpoint overrides the YouTube API base URL when set.
	apiEndpoint string
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.upload"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		if fields := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " ")); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, db: ts, oauth: oauth}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and persists it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist youtube token: %w", err)
	}
	return tok, nil
}

// Connected reports whether a token has been stored.
func (s *Service) Connected(ctx context.Context) (bool, error) {
	access, _, _, _, err := s.db.GetOAuthToken(ctx, Provider)
	if err != nil {
		return false, err
	}
	return access != "", nil
}

func (s *Service) store(ctx context.Context, tok *oauth2.Token) error {
	rawBytes, _ := json.Marshal(tok)
	return s.db.UpsertOAuthToken(ctx, Provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes))
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrNotConnected
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, &tok).Token()
	if err != nil {
		return &tok, err
	}
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = refresh
	}
	if err := s.store(ctx, newTok); err != nil {
		return newTok, fmt.Errorf("persist refreshed token: %w", err)
	}
	return newTok, nil
}

// Refresh exchanges refreshToken for a new token. Its signature matches
// oauth.RefreshFunc so the background refresher can drive it.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	scope, _ := tok.Extra("scope").(string)
	return tok.AccessToken, tok.RefreshToken, tok.Expiry, scope, nil
}

func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(s.oauth.Client(ctx, tok))}
	if s.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(s.apiEndpoint))
	}
	return yt.NewService(ctx, opts...)
}

// Publish uploads the file at path with the configured privacy and returns the watch URL.
func (s *Service) Publish(ctx context.Context, path, title, description string) (string, error) {
	svc, err := s.Client(ctx)
	if err != nil {
		return "", err
	}
	return UploadVideo(ctx, svc, path, title, description, s.cfg.YTPrivacy)
}

// UploadVideo uploads a video file at path with given title/description/privacy using provided YouTube service.
func UploadVideo(ctx context.Context, svc *yt.Service, path, title, description, privacy string) (string, error) {
	if svc == nil {
		return "", fmt.Errorf("nil youtube service")
	}
	if privacy == "" {
		privacy = "private"
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: title, Description: description},
		Status:  &yt.VideoStatus{PrivacyStatus: privacy},
	}
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return "", fmt.Errorf("youtube upload: empty id")
	}
	return "https://www.youtube.com/watch?v=" + res.Id, nil
}
