package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/formcheck/analysis"
	"github.com/onnwee/formcheck/auth"
	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/references"
	"github.com/onnwee/formcheck/telemetry"
	"github.com/onnwee/formcheck/youtubeapi"
)

// maxReferenceBytes caps a single reference image upload.
const maxReferenceBytes = 20 << 20

// adminMessages are the notices and errors the dashboard can show, keyed by
// the value passed in ?notice= or ?error= after a redirect.
var adminMessages = map[string]string{
	"ref-added":     "참조 이미지를 등록했습니다.",
	"ref-deleted":   "참조 이미지를 삭제했습니다.",
	"ref-type":      "jpg, jpeg, png 이미지만 등록할 수 있습니다.",
	"ref-missing":   "등록할 이미지를 선택해 주세요.",
	"ref-too-large": "이미지가 너무 큽니다.",
	"requeued":      "다시 분석하도록 대기열에 넣었습니다.",
	"priority":      "우선순위를 변경했습니다.",
	"published":     "YouTube에 게시했습니다.",
	"not-found":     "항목을 찾을 수 없습니다.",
	"conflict":      "현재 상태에서는 할 수 없는 작업입니다.",
	"failed":        "작업에 실패했습니다. 로그를 확인해 주세요.",
	"yt-connected":  "YouTube 계정이 연결되었습니다.",
	"yt-missing":    "YouTube 계정이 연결되어 있지 않습니다.",
}

// wantsJSON is true for API-style admin calls, which get status codes instead of redirects.
func wantsJSON(r *http.Request) bool {
	return r.Header.Get("X-Admin-Token") != "" || strings.Contains(r.Header.Get("Accept"), "application/json")
}

// adminDone finishes an admin form action: JSON clients get status and the
// message, browsers are redirected to the dashboard with the message key.
func adminDone(w http.ResponseWriter, r *http.Request, status int, key string) {
	if wantsJSON(r) {
		if status >= 400 {
			writeJSONError(w, status, adminMessages[key])
			return
		}
		writeJSON(w, status, map[string]string{"status": "ok", "message": adminMessages[key]})
		return
	}
	param := "notice"
	if status >= 400 {
		param = "error"
	}
	http.Redirect(w, r, "/admin?"+param+"="+key, http.StatusSeeOther)
}

// HandleLoginForm renders the login page, or goes straight to the dashboard when already signed in.
func (h *Handlers) HandleLoginForm(w http.ResponseWriter, r *http.Request) {
	if h.isAdmin(r) {
		http.Redirect(w, r, "/admin", http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "admin_login", struct{ Error string }{})
}

// HandleLogin checks the password and sets the session cookie.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "auth"))
	ok, err := h.Auth.Verify(r.Context(), r.PostFormValue("password"))
	if err != nil {
		logger.Error("verify admin password", slog.Any("err", err))
		h.render(w, r, http.StatusInternalServerError, "admin_login", struct{ Error string }{"로그인을 처리하지 못했습니다."})
		return
	}
	if !ok {
		logger.Warn("admin login failed", slog.String("ip", h.proxies.clientIP(r)))
		h.render(w, r, http.StatusUnauthorized, "admin_login", struct{ Error string }{"비밀번호가 올바르지 않습니다."})
		return
	}
	if err := h.startSession(w, r); err != nil {
		logger.Error("issue session", slog.Any("err", err))
		h.render(w, r, http.StatusInternalServerError, "admin_login", struct{ Error string }{"로그인을 처리하지 못했습니다."})
		return
	}
	logger.Info("admin logged in", slog.String("ip", h.proxies.clientIP(r)))
	http.Redirect(w, r, "/admin", http.StatusSeeOther)
}

// startSession issues a session token and sets it as the session cookie.
func (h *Handlers) startSession(w http.ResponseWriter, r *http.Request) error {
	token, expires, err := h.Auth.IssueSession(r.Context())
	if err != nil {
		return err
	}
	// Lax so the cookie survives the redirect back from Google's consent screen.
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// HandleLogout clears the session cookie. A request carrying a valid session
// also revokes it server side, along with every other issued session.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && h.Auth != nil && h.Auth.VerifySession(r.Context(), c.Value) == nil {
		if err := h.Auth.RevokeSessions(r.Context()); err != nil {
			telemetry.LoggerWithCorr(r.Context()).Error("revoke sessions", slog.Any("err", err), slog.String("component", "auth"))
		}
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
}

type dashboardPage struct {
	Notice, Error     string
	Counts            map[string]int
	Circuit           string
	References        []references.Image
	Uploads           []history.Upload
	PublishingEnabled bool
	YouTubeConnected  bool
}

// HandleAdminDashboard shows queue counts, reference images and recent uploads.
func (h *Handlers) HandleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := dashboardPage{
		Notice:            adminMessages[r.URL.Query().Get("notice")],
		Error:             adminMessages[r.URL.Query().Get("error")],
		Counts:            map[string]int{},
		PublishingEnabled: h.YouTube != nil,
	}
	counts, err := h.Uploads.CountByStatus(ctx)
	if err != nil {
		h.renderError(w, r, http.StatusInternalServerError, "대기열 정보를 불러오지 못했습니다.", "")
		return
	}
	for s, n := range counts {
		page.Counts[string(s)] = n
	}
	page.Circuit, _ = db.GetKV(ctx, h.DB, analysis.KeyCircuitState)
	if page.References, err = h.References.List(ctx); err != nil {
		h.renderError(w, r, http.StatusInternalServerError, "참조 이미지를 불러오지 못했습니다.", "")
		return
	}
	if page.Uploads, err = h.Uploads.ListRecent(ctx, parseIntQuery(r, "limit", 50), parseIntQuery(r, "offset", 0)); err != nil {
		h.renderError(w, r, http.StatusInternalServerError, "업로드 목록을 불러오지 못했습니다.", "")
		return
	}
	if h.YouTube != nil {
		page.YouTubeConnected, _ = h.YouTube.Connected(ctx)
	}
	h.render(w, r, http.StatusOK, "admin", page)
}

// HandleReferenceUpload stores a reference image from the "image" part with an optional "label".
func (h *Handlers) HandleReferenceUpload(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "references"))
	r.Body = http.MaxBytesReader(w, r.Body, maxReferenceBytes+multipartSlack)
	mr, err := r.MultipartReader()
	if err != nil {
		adminDone(w, r, http.StatusBadRequest, "ref-missing")
		return
	}
	files := h.References.Files()
	img := &references.Image{}
	fail := func(status int, key string) {
		if img.FileName != "" {
			_ = files.Remove(img.FileName)
		}
		adminDone(w, r, status, key)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(bodyError(err), media.ErrTooLarge) {
				fail(http.StatusRequestEntityTooLarge, "ref-too-large")
				return
			}
			fail(http.StatusBadRequest, "ref-missing")
			return
		}
		switch part.FormName() {
		case "label":
			b, _ := io.ReadAll(io.LimitReader(part, 256))
			img.Label = strings.TrimSpace(string(b))
		case "image":
			if part.FileName() == "" || img.FileName != "" {
				break
			}
			if !media.Images.Accept(part.Header.Get("Content-Type"), part.FileName()) {
				fail(http.StatusBadRequest, "ref-type")
				return
			}
			img.OriginalName = part.FileName()
			img.FileName, img.SizeBytes, err = files.Save(part, part.FileName(), maxReferenceBytes)
			if err != nil {
				if errors.Is(bodyError(err), media.ErrTooLarge) {
					fail(http.StatusRequestEntityTooLarge, "ref-too-large")
					return
				}
				logger.Error("save reference image", slog.Any("err", err))
				fail(http.StatusInternalServerError, "failed")
				return
			}
		}
		_ = part.Close()
	}
	if img.FileName == "" || img.SizeBytes == 0 {
		fail(http.StatusBadRequest, "ref-missing")
		return
	}
	if err := h.References.Insert(r.Context(), img); err != nil {
		logger.Error("record reference image", slog.Any("err", err))
		fail(http.StatusInternalServerError, "failed")
		return
	}
	logger.Info("reference image added", slog.String("id", img.ID), slog.String("file", img.FileName))
	adminDone(w, r, http.StatusCreated, "ref-added")
}

// HandleReferenceDelete removes a reference image and its file.
func (h *Handlers) HandleReferenceDelete(w http.ResponseWriter, r *http.Request) {
	err := h.References.Delete(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, references.ErrNotFound):
		adminDone(w, r, http.StatusNotFound, "not-found")
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("delete reference image", slog.Any("err", err), slog.String("component", "references"))
		adminDone(w, r, http.StatusInternalServerError, "failed")
	default:
		adminDone(w, r, http.StatusOK, "ref-deleted")
	}
}

// HandleReferenceFile serves a stored reference image.
func (h *Handlers) HandleReferenceFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("fileName")
	f, info, err := h.References.Files().Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, name, info.ModTime(), f)
}

type passwordPage struct {
	Error, Notice string
	MinLength     int
}

// HandlePasswordForm renders the password change form.
func (h *Handlers) HandlePasswordForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "admin_password", passwordPage{MinLength: auth.MinPasswordLength})
}

// HandlePasswordChange verifies the current password and stores the new one.
func (h *Handlers) HandlePasswordChange(w http.ResponseWriter, r *http.Request) {
	page := passwordPage{MinLength: auth.MinPasswordLength}
	current, next := r.PostFormValue("current"), r.PostFormValue("next")
	if next != r.PostFormValue("confirm") {
		page.Error = "새 비밀번호가 일치하지 않습니다."
		h.render(w, r, http.StatusBadRequest, "admin_password", page)
		return
	}
	err := h.Auth.Change(r.Context(), current, next)
	switch {
	case err == nil:
		// Change revoked every session, this one included.
		if err := h.startSession(w, r); err != nil {
			telemetry.LoggerWithCorr(r.Context()).Error("issue session", slog.Any("err", err), slog.String("component", "auth"))
		}
		page.Notice = "비밀번호가 변경되었습니다."
		h.render(w, r, http.StatusOK, "admin_password", page)
		return
	case errors.Is(err, auth.ErrInvalidPassword):
		page.Error = "현재 비밀번호가 올바르지 않습니다."
	case errors.Is(err, auth.ErrPasswordTooShort):
		page.Error = fmt.Sprintf("새 비밀번호는 %d자 이상이어야 합니다.", auth.MinPasswordLength)
	case errors.Is(err, auth.ErrPasswordUnchanged):
		page.Error = "새 비밀번호가 현재 비밀번호와 같습니다."
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("change admin password", slog.Any("err", err), slog.String("component", "auth"))
		page.Error = "비밀번호를 변경하지 못했습니다."
		h.render(w, r, http.StatusInternalServerError, "admin_password", page)
		return
	}
	h.render(w, r, http.StatusBadRequest, "admin_password", page)
}

// HandleRequeue puts a finished upload back in the queue.
func (h *Handlers) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	switch err := h.Uploads.Requeue(r.Context(), r.PathValue("id")); {
	case errors.Is(err, history.ErrNotFound):
		adminDone(w, r, http.StatusNotFound, "not-found")
	case errors.Is(err, history.ErrConflict):
		adminDone(w, r, http.StatusConflict, "conflict")
	case err != nil:
		adminDone(w, r, http.StatusInternalServerError, "failed")
	default:
		adminDone(w, r, http.StatusOK, "requeued")
	}
}

// HandlePriority sets the queue priority from the "priority" form value.
func (h *Handlers) HandlePriority(w http.ResponseWriter, r *http.Request) {
	p, err := strconv.Atoi(strings.TrimSpace(r.PostFormValue("priority")))
	if err != nil {
		adminDone(w, r, http.StatusBadRequest, "failed")
		return
	}
	switch err := h.Uploads.SetPriority(r.Context(), r.PathValue("id"), p); {
	case errors.Is(err, history.ErrNotFound):
		adminDone(w, r, http.StatusNotFound, "not-found")
	case err != nil:
		adminDone(w, r, http.StatusInternalServerError, "failed")
	default:
		adminDone(w, r, http.StatusOK, "priority")
	}
}

// HandlePublish uploads a finished upload's video to YouTube.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if h.YouTube == nil {
		http.Error(w, "youtube publishing not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "publish"))
	u, err := h.Uploads.Get(ctx, r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		adminDone(w, r, http.StatusNotFound, "not-found")
		return
	}
	if err != nil {
		adminDone(w, r, http.StatusInternalServerError, "failed")
		return
	}
	if u.Status != history.StatusDone || u.Purged() || u.PublishedURL != "" {
		adminDone(w, r, http.StatusConflict, "conflict")
		return
	}
	path, err := h.Videos.Resolve(u.FileName)
	if err != nil {
		adminDone(w, r, http.StatusConflict, "conflict")
		return
	}
	title := fmt.Sprintf("볼링 자세 분석 %s %s", u.UserID, u.UploadedAt.Local().Format("2006-01-02 15:04"))
	url, err := h.YouTube.Publish(ctx, path, title, u.ResultSummary)
	if err != nil {
		telemetry.Published(false)
		if errors.Is(err, youtubeapi.ErrNotConnected) {
			adminDone(w, r, http.StatusConflict, "yt-missing")
			return
		}
		logger.Error("youtube publish failed", slog.String("upload_id", u.ID), slog.Any("err", err))
		adminDone(w, r, http.StatusBadGateway, "failed")
		return
	}
	telemetry.Published(true)
	if err := h.Uploads.SetPublishedURL(ctx, u.ID, url); err != nil {
		logger.Error("store published url", slog.String("upload_id", u.ID), slog.String("url", url), slog.Any("err", err))
	}
	logger.Info("published to youtube", slog.String("upload_id", u.ID), slog.String("url", url))
	adminDone(w, r, http.StatusOK, "published")
}

// HandleAdminMonitor returns monitoring summary including job timestamps and queue stats.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := []string{}
	if h.Worker != nil {
		active = append(active, h.Worker.ActiveAnalyses()...)
	}
	refs, _ := h.References.Count(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          snap,
		"activeAnalyses":  active,
		"referenceImages": refs,
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}
