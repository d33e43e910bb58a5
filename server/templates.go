package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/telemetry"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{
	"index", "accepted", "history", "view_history", "result", "error",
	"admin_login", "admin", "admin_password",
}

var statusLabels = map[history.Status]string{
	history.StatusPending:  "분석 대기 중",
	history.StatusRunning:  "분석 중",
	history.StatusDone:     "분석 완료",
	history.StatusFailed:   "분석 실패",
	history.StatusCanceled: "취소됨",
}

var templateFuncs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
	"datetime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("2006-01-02 15:04:05")
	},
	"ago":   func(t time.Time) string { return humanize.Time(t) },
	"bytes": func(n int64) string { return humanize.Bytes(uint64(max(n, 0))) },
	"score": func(s *float64) string {
		if s == nil {
			return ""
		}
		return fmt.Sprintf("%.1f", *s)
	},
	"statusLabel": func(s history.Status) string {
		if l, ok := statusLabels[s]; ok {
			return l
		}
		return string(s)
	},
}

// pages holds one template set per page, each combined with the shared layout.
type pages struct {
	m map[string]*template.Template
}

func mustParsePages() *pages {
	p := &pages{m: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		t := template.Must(template.New(name).Funcs(templateFuncs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html"))
		p.m[name] = t
	}
	return p
}

// render executes page into a buffer first so a template error can still
// produce a clean 500.
func (h *Handlers) render(w http.ResponseWriter, r *http.Request, status int, page string, data any) {
	t, ok := h.pages.m[page]
	if !ok {
		http.Error(w, "unknown page "+page, http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("render page", slog.String("page", page), slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type errorPage struct {
	Message string
	Detail  string
	Back    string
}

func (h *Handlers) renderError(w http.ResponseWriter, r *http.Request, status int, msg, detail string) {
	h.render(w, r, status, "error", errorPage{Message: msg, Detail: detail})
}
