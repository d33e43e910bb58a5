package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/formcheck/telemetry"
)

// oauthStateTTL bounds how long the consent screen may take.
const oauthStateTTL = 10 * time.Minute

// HandleYouTubeOAuthStart initiates the YouTube OAuth flow.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.YouTube == nil {
		http.Error(w, "youtube oauth not configured (need YT_CLIENT_ID, YT_CLIENT_SECRET and YT_REDIRECT_URI)", http.StatusServiceUnavailable)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.YouTube.AuthCodeURL(st), http.StatusFound)
}

// HandleYouTubeOAuthCallback handles the OAuth callback from Google and stores the token.
func (h *Handlers) HandleYouTubeOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.YouTube == nil {
		http.Error(w, "youtube oauth not configured", http.StatusServiceUnavailable)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth"))
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		logger.Warn("youtube consent denied", slog.String("error", e))
		adminDone(w, r, http.StatusBadRequest, "yt-missing")
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.takeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	tok, err := h.YouTube.Exchange(r.Context(), code)
	if err != nil {
		logger.Error("youtube token exchange failed", slog.Any("err", err))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	logger.Info("youtube connected",
		slog.Time("expiry", tok.Expiry),
		slog.Bool("refresh_token_present", tok.RefreshToken != ""))
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "expiry": tok.Expiry, "refresh_token_present": tok.RefreshToken != ""})
		return
	}
	http.Redirect(w, r, "/admin?notice=yt-connected", http.StatusSeeOther)
}
