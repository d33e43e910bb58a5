package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/formcheck/auth"
	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/references"
	"github.com/onnwee/formcheck/testutil"
)

const (
	testPassword   = "correct-horse"
	testAdminToken = "test-admin-token"
)

type fakeWorker struct {
	mu       sync.Mutex
	canceled []string
	active   []string
}

func (f *fakeWorker) CancelAnalysis(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return true
}

func (f *fakeWorker) ActiveAnalyses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	url       string
	err       error
	published []string
	exchanged string
}

func (f *fakePublisher) AuthCodeURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (f *fakePublisher) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanged = code
	f.connected = true
	return &oauth2.Token{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakePublisher) Connected(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, nil
}

func (f *fakePublisher) Publish(ctx context.Context, path, title, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, path)
	return f.url, f.err
}

type testEnv struct {
	t       *testing.T
	handler http.Handler
	deps    Deps
	worker  *fakeWorker
}

// newTestEnv builds the full mux over a fresh database. Rate limiting is off
// unless the test has already set RATE_LIMIT_ENABLED.
func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	if os.Getenv("RATE_LIMIT_ENABLED") == "" {
		t.Setenv("RATE_LIMIT_ENABLED", "0")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	database := testutil.SetupTestDB(t)
	cfg := config.Default()
	cfg.AdminToken = testAdminToken
	cfg.SessionSecret = "test-session-secret"
	cfg.UploadMaxBytes = 1 << 20

	videos, err := media.NewStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	refFiles, err := media.NewStore(filepath.Join(t.TempDir(), "references"))
	if err != nil {
		t.Fatal(err)
	}
	am, err := auth.New(ctx, database, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := am.EnsurePassword(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	w := &fakeWorker{}
	deps := Deps{
		Config:     cfg,
		DB:         database,
		Uploads:    history.New(database),
		Videos:     videos,
		References: references.New(database, refFiles),
		Auth:       am,
		Worker:     w,
	}
	for _, o := range opts {
		o(&deps)
	}
	return &testEnv{t: t, handler: NewMux(ctx, deps), deps: deps, worker: w}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	e.t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, target, nil))
}

// adminRequest authenticates with the admin token header.
func adminRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("X-Admin-Token", testAdminToken)
	return req
}

func formRequest(method, target string, form string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

type filePart struct {
	field, name, contentType string
	content                  []byte
}

// multipartBody writes fields first, then files.
func multipartBody(t *testing.T, fields map[string]string, files ...filePart) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.name))
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(f.content); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func uploadRequest(t *testing.T, target, userID string, files ...filePart) *http.Request {
	t.Helper()
	fields := map[string]string{}
	if userID != "" {
		fields["userId"] = userID
	}
	body, ctype := multipartBody(t, fields, files...)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", ctype)
	return req
}

func mp4(content string) filePart {
	return filePart{field: "video", name: "swing.mp4", contentType: "video/mp4", content: []byte(content)}
}

// seedUpload stores a video file and its record.
func (e *testEnv) seedUpload(userID string) *history.Upload {
	e.t.Helper()
	name, size, err := e.deps.Videos.Save(strings.NewReader("frames of "+userID), "swing.mp4", 0)
	if err != nil {
		e.t.Fatal(err)
	}
	u := &history.Upload{UserID: userID, FileName: name, OriginalName: "swing.mp4", ContentType: "video/mp4", SizeBytes: size}
	if err := e.deps.Uploads.Insert(context.Background(), u); err != nil {
		e.t.Fatal(err)
	}
	return u
}

// seedDone stores an upload and drives it to done.
func (e *testEnv) seedDone(userID string) *history.Upload {
	e.t.Helper()
	ctx := context.Background()
	u := e.seedUpload(userID)
	claimed, err := e.deps.Uploads.ClaimNext(ctx, time.Now())
	if err != nil || claimed == nil || claimed.ID != u.ID {
		e.t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	if err := e.deps.Uploads.Complete(ctx, u.ID, history.Result{Summary: "팔꿈치가 펴져 있습니다."}); err != nil {
		e.t.Fatal(err)
	}
	done, err := e.deps.Uploads.Get(ctx, u.ID)
	if err != nil {
		e.t.Fatal(err)
	}
	return done
}

func TestCorrelationIDHeader(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := env.do(req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("X-Correlation-ID = %q, want corr-123", got)
	}
	if env.get("/healthz").Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.get("/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
}
