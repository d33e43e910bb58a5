package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/formcheck/auth"
	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/references"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Canceler stops in-flight analyses. *analysis.Worker implements it.
type Canceler interface {
	CancelAnalysis(id string) bool
	ActiveAnalyses() []string
}

// Publisher publishes videos to YouTube. *youtubeapi.Service implements it.
type Publisher interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Connected(ctx context.Context) (bool, error)
	Publish(ctx context.Context, path, title, description string) (string, error)
}

// Deps are the collaborators the HTTP layer needs. Worker and YouTube may be nil:
// without a worker cancel only updates the record, without YouTube publishing is off.
type Deps struct {
	Config     *config.Config
	DB         *sql.DB
	Uploads    *history.Repo
	Videos     *media.Store
	References *references.Repo
	Auth       *auth.Manager
	Worker     Canceler
	YouTube    Publisher
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	pages      *pages
	proxies    proxyList
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers parses the page templates and binds deps.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		Deps:       deps,
		pages:      mustParsePages(),
		proxies:    loadTrustedProxies(),
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState remembers state until expiry. It refuses new states once
// maxOAuthStates are pending.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// takeOAuthState consumes state and reports whether it was valid.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}
