package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/telemetry"
)

// multipartSlack is added to the upload limit for form fields and part headers.
const multipartSlack = 1 << 20

var (
	errNoVideo  = errors.New("no video file in request")
	errNoUserID = errors.New("user id is required")
	errEmpty    = errors.New("empty file")
	errBadForm  = errors.New("malformed multipart form")
)

// receiveVideo streams the multipart body: the "video" part goes straight to
// the video store and "userId" is read as a short field. The stored file is
// removed again when the request turns out to be invalid.
func (h *Handlers) receiveVideo(w http.ResponseWriter, r *http.Request) (u *history.Upload, err error) {
	maxBytes := h.Config.UploadMaxBytes
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadForm, err)
	}

	var (
		userID, stored, orig, ctype string
		size                        int64
	)
	defer func() {
		if err != nil && stored != "" {
			_ = h.Videos.Remove(stored)
		}
	}()

	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			return nil, bodyError(perr)
		}
		switch part.FormName() {
		case "userId":
			b, rerr := io.ReadAll(io.LimitReader(part, 1024))
			if rerr != nil {
				return nil, bodyError(rerr)
			}
			userID = strings.TrimSpace(string(b))
		case "video":
			if part.FileName() == "" || stored != "" {
				break
			}
			orig, ctype = part.FileName(), part.Header.Get("Content-Type")
			if !media.Videos.Accept(ctype, orig) {
				return nil, media.ErrUnsupportedType
			}
			var serr error
			stored, size, serr = h.Videos.Save(part, orig, maxBytes)
			if serr != nil {
				return nil, bodyError(serr)
			}
		}
		_ = part.Close()
	}

	switch {
	case stored == "":
		return nil, errNoVideo
	case size == 0:
		return nil, errEmpty
	case userID == "":
		return nil, errNoUserID
	}
	u = &history.Upload{UserID: userID, FileName: stored, OriginalName: orig, ContentType: ctype, SizeBytes: size}
	if err := h.Uploads.Insert(r.Context(), u); err != nil {
		return nil, err
	}
	return u, nil
}

// bodyError maps a body read failure caused by the size cap to media.ErrTooLarge.
func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) || errors.Is(err, media.ErrTooLarge) {
		return media.ErrTooLarge
	}
	if errors.Is(err, media.ErrUnsupportedType) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadForm, err)
}

// uploadError returns the status, user-facing message and metric reason for a receiveVideo error.
func uploadError(err error) (status int, msg, reason string) {
	switch {
	case errors.Is(err, errNoVideo):
		return http.StatusBadRequest, "업로드할 영상을 선택해 주세요.", "missing_file"
	case errors.Is(err, errNoUserID):
		return http.StatusBadRequest, "회원 ID를 입력해 주세요.", "missing_user"
	case errors.Is(err, errEmpty):
		return http.StatusBadRequest, "빈 파일은 업로드할 수 없습니다.", "empty"
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusBadRequest, "지원하지 않는 파일 형식입니다. mp4, avi, mpeg 영상만 업로드할 수 있습니다.", "type"
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "파일이 너무 큽니다.", "too_large"
	case errors.Is(err, errBadForm):
		return http.StatusBadRequest, "잘못된 요청입니다.", "bad_form"
	default:
		return http.StatusInternalServerError, "업로드를 저장하지 못했습니다.", "internal"
	}
}

func (h *Handlers) logUploadError(r *http.Request, err error, status int) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "upload"))
	if status >= 500 {
		logger.Error("upload failed", slog.Any("err", err))
		return
	}
	logger.Info("upload rejected", slog.Any("err", err), slog.Int("status", status))
}

// HandleIndex renders the upload form.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "index", struct{ MaxBytes int64 }{h.Config.UploadMaxBytes})
}

// HandleAnalyze accepts the upload form and queues the video for analysis.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	u, err := h.receiveVideo(w, r)
	if err != nil {
		status, msg, reason := uploadError(err)
		telemetry.UploadRejected(reason)
		h.logUploadError(r, err, status)
		h.renderError(w, r, status, msg, "")
		return
	}
	telemetry.UploadAccepted()
	telemetry.LoggerWithCorr(r.Context()).Info("upload accepted",
		slog.String("upload_id", u.ID), slog.String("user_id", u.UserID), slog.Int64("size", u.SizeBytes), slog.String("component", "upload"))
	h.render(w, r, http.StatusOK, "accepted", struct{ Upload *history.Upload }{u})
}

// HandleHistory renders the member id search form.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "history", nil)
}

// HandleViewHistory lists the uploads of one member, oldest first.
func (h *Handlers) HandleViewHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	var uploads []history.Upload
	if userID != "" {
		var err error
		if uploads, err = h.Uploads.ListByUser(r.Context(), userID); err != nil {
			telemetry.LoggerWithCorr(r.Context()).Error("list history", slog.Any("err", err))
			h.renderError(w, r, http.StatusInternalServerError, "히스토리를 불러오지 못했습니다.", "")
			return
		}
	}
	h.render(w, r, http.StatusOK, "view_history", struct {
		UserID  string
		Uploads []history.Upload
	}{userID, uploads})
}

// HandleResult shows the status and result of one upload.
func (h *Handlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	u, err := h.Uploads.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		h.renderError(w, r, http.StatusNotFound, "분석 결과를 찾을 수 없습니다.", "")
		return
	}
	if err != nil {
		h.renderError(w, r, http.StatusInternalServerError, "분석 결과를 불러오지 못했습니다.", "")
		return
	}
	h.render(w, r, http.StatusOK, "result", struct{ Upload *history.Upload }{u})
}

// HandleVideo serves a stored video with range support.
func (h *Handlers) HandleVideo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("fileName")
	if u, err := h.Uploads.GetByFileName(r.Context(), name); err == nil && u.Purged() {
		http.Error(w, "영상을 찾을 수 없습니다.", http.StatusNotFound)
		return
	}
	f, info, err := h.Videos.Open(name)
	if err != nil {
		http.Error(w, "영상을 찾을 수 없습니다.", http.StatusNotFound)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// HandleAPIUpload is the JSON twin of HandleAnalyze.
func (h *Handlers) HandleAPIUpload(w http.ResponseWriter, r *http.Request) {
	u, err := h.receiveVideo(w, r)
	if err != nil {
		status, msg, reason := uploadError(err)
		telemetry.UploadRejected(reason)
		h.logUploadError(r, err, status)
		writeJSONError(w, status, msg)
		return
	}
	telemetry.UploadAccepted()
	w.Header().Set("Location", "/api/uploads/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

// HandleAPIList returns the history of ?userId=. Admins may omit it to page
// through all uploads with limit and offset.
func (h *Handlers) HandleAPIList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	var (
		uploads []history.Upload
		err     error
	)
	switch {
	case userID != "":
		uploads, err = h.Uploads.ListByUser(r.Context(), userID)
	case h.isAdmin(r):
		uploads, err = h.Uploads.ListRecent(r.Context(), parseIntQuery(r, "limit", 50), parseIntQuery(r, "offset", 0))
	default:
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if uploads == nil {
		uploads = []history.Upload{}
	}
	writeJSON(w, http.StatusOK, uploads)
}

// HandleAPIGet returns one upload with its result.
func (h *Handlers) HandleAPIGet(w http.ResponseWriter, r *http.Request) {
	u, err := h.Uploads.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "upload not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HandleAPICancel cancels a queued or running analysis: 202 when a run was
// in flight, 204 when only the queued record changed, 409 when already finished.
func (h *Handlers) HandleAPICancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prev, err := h.Uploads.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "upload not found")
		return
	case errors.Is(err, history.ErrConflict):
		writeJSONError(w, http.StatusConflict, "upload already finished")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A run in another process notices the canceled record on its own.
	if h.Worker != nil {
		h.Worker.CancelAnalysis(id)
	}
	telemetry.LoggerWithCorr(r.Context()).Info("upload canceled", slog.String("upload_id", id), slog.String("previous", string(prev)), slog.String("component", "upload"))
	if prev == history.StatusRunning {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
