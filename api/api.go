// Package api exposes the classifier and the engine state over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"patterndb/config"
	"patterndb/core"
	"patterndb/detect"
	"patterndb/storage"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Engine is the part of detect.Engine the handlers use
type Engine interface {
	Classify(rec *core.Record) (*core.Rule, bool)
	GetStats() detect.EngineStats
	Matcher() *detect.Matcher
}

// Reloader recompiles the rule database
type Reloader interface {
	Reload() error
}

// API holds the API server
type API struct {
	router   *mux.Router
	server   *http.Server
	engine   Engine
	reloader Reloader
	archive  storage.SyntheticQuerier
	clock    core.Clock
	config   *config.Config
	logger   *zap.SugaredLogger

	statsMu        sync.RWMutex
	statsProviders map[string]func() interface{}

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server
func NewAPI(engine Engine, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:         mux.NewRouter(),
		engine:         engine,
		clock:          core.SystemClock{},
		config:         cfg,
		logger:         logger,
		statsProviders: make(map[string]func() interface{}),
		rateLimiters:   make(map[string]*rateLimiterEntry),
		stopCh:         make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// SetReloader enables POST /api/v1/reload
func (a *API) SetReloader(r Reloader) {
	a.reloader = r
}

// SetSyntheticQuerier enables GET /api/v1/synthetic
func (a *API) SetSyntheticQuerier(q storage.SyntheticQuerier) {
	a.archive = q
}

// SetStatsProvider adds a section to GET /api/v1/stats
func (a *API) SetStatsProvider(name string, fn func() interface{}) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.statsProviders[name] = fn
}

// Handler returns the routed handler, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.router
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.rateLimitMiddleware)
	a.router.HandleFunc("/healthz", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/match", a.match).Methods("POST")
	v1.HandleFunc("/stats", a.getStats).Methods("GET")
	v1.HandleFunc("/reload", a.reload).Methods("POST")
	v1.HandleFunc("/rules", a.getRules).Methods("GET")
	v1.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	v1.HandleFunc("/synthetic", a.getSynthetic).Methods("GET")
}

// Start starts the API server. It blocks until the server stops and returns
// http.ErrServerClosed after Stop.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
	}
	a.logger.Infow("API listening", "addr", addr)
	return a.server.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
