// Package web serves the chat UI and its JSON API.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"openplus/internal/autoai"
	"openplus/internal/chat"
	"openplus/internal/domain"
	"openplus/internal/events"
	"openplus/internal/feedback"
	"openplus/internal/metrics"
)

const (
	maxBodySize     = 1 << 20 // 1MB
	defaultRunLimit = 20
	maxRunLimit     = 200
	shutdownTimeout = 10 * time.Second
)

var errBodyTooLarge = errors.New("request body too large")

//go:embed web_templates/*.html
var templateFS embed.FS

//go:embed web_assets/*
var assetsFS embed.FS

// Analyzer runs the analysis script. *autoai.Service implements it.
type Analyzer interface {
	Run(ctx context.Context) (domain.RunResult, error)
	Running() bool
}

// Web is the HTTP front end.
type Web struct {
	host         string
	port         int
	title        string
	version      string
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	tmpl         *htmltemplate.Template
	handler      http.Handler
	server       *http.Server

	feedback domain.FeedbackRecorder
	analyzer Analyzer
	history  domain.RunHistory // nil when history is disabled
	events   *events.Bus
	live     *liveHub // nil without an event bus
}

type WebConfig struct {
	Host            string
	Port            int
	Title           string
	Version         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Logger          *slog.Logger
	Feedback        domain.FeedbackRecorder
	Analyzer        Analyzer
	History         domain.RunHistory
	Events          *events.Bus // nil disables /ws
	MetricsEndpoint string      // empty disables /metrics

	// Per-client limit on the POST /api endpoints; 0 disables it.
	RateLimitPerMinute float64
	RateLimitBurst     int
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Title == "" {
		cfg.Title = "openai-plus"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tmpl := htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html"))

	w := &Web{
		host:         cfg.Host,
		port:         cfg.Port,
		title:        cfg.Title,
		version:      cfg.Version,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		tmpl:         tmpl,
		feedback:     cfg.Feedback,
		analyzer:     cfg.Analyzer,
		history:      cfg.History,
		events:       cfg.Events,
	}

	mux := http.NewServeMux()

	assetsHandler := http.FileServer(http.FS(assetsFS))
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		r.URL.Path = "web_assets/" + r.URL.Path
		rw.Header().Set("Cache-Control", "public, max-age=86400")
		assetsHandler.ServeHTTP(rw, r)
	})))

	mux.HandleFunc("GET /{$}", w.handleIndex)
	mux.HandleFunc("GET /status", w.handleStatus)

	limit := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if cfg.RateLimitPerMinute > 0 {
		rl := newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerMinute)
		limit = func(h http.HandlerFunc) http.HandlerFunc { return w.withRateLimit(rl, h) }
	}
	mux.HandleFunc("POST /api/chat", limit(w.handleChat))
	mux.HandleFunc("POST /api/feedback", limit(w.handleFeedback))
	mux.HandleFunc("POST /api/run_auto_ai", limit(w.handleRunAutoAI))
	mux.HandleFunc("GET /api/runs", w.handleRuns)
	if cfg.Events != nil {
		w.live = newLiveHub(cfg.Logger)
		cfg.Events.On("*", w.live.broadcast)
		mux.HandleFunc("GET /ws", w.handleLive)
	}
	if cfg.MetricsEndpoint != "" {
		mux.Handle("GET "+cfg.MetricsEndpoint, metrics.Collector.Handler())
	}

	w.handler = w.withRequestLog(w.withRecover(mux))
	return w
}

// Handler returns the fully wrapped router.
func (w *Web) Handler() http.Handler { return w.handler }

// Addr returns host:port.
func (w *Web) Addr() string {
	return net.JoinHostPort(w.host, strconv.Itoa(w.port))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *Web) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.Addr(),
		Handler:           w.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       w.readTimeout,
		WriteTimeout:      w.writeTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	w.logger.Info("web UI started", "addr", "http://"+w.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	if w.live != nil {
		w.live.closeAll()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := w.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	w.logger.Info("web UI stopped")
	return nil
}

func (w *Web) Stop() error {
	if w.live != nil {
		w.live.closeAll()
	}
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tmpl.ExecuteTemplate(rw, "index.html", map[string]any{
		"Title":   w.title,
		"Version": w.version,
	}); err != nil {
		w.logger.Error("template error", "template", "index", "err", err)
	}
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"version": w.version,
		"time":    time.Now().Format(time.RFC3339),
		"history": w.history != nil,
	}
	if w.live != nil {
		status["live_clients"] = w.live.count()
	}
	if w.analyzer != nil {
		status["analysis_running"] = w.analyzer.Running()
	}
	writeJSON(rw, http.StatusOK, status)
}

func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	var msg domain.ChatMessage
	if err := decodeBody(r, &msg); err != nil {
		writeJSON(rw, decodeStatus(err), map[string]string{"error": "invalid request: " + err.Error()})
		return
	}
	metrics.ChatRequests.Inc()
	writeJSON(rw, http.StatusOK, chat.Reply(msg))
}

func (w *Web) handleFeedback(rw http.ResponseWriter, r *http.Request) {
	var req domain.FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, decodeStatus(err), map[string]string{"status": "error", "error": "invalid request: " + err.Error()})
		return
	}
	entry := req.Entry()

	if w.feedback == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": "feedback is not configured"})
		return
	}

	saved, err := w.feedback.Record(r.Context(), entry)
	switch {
	case errors.Is(err, feedback.ErrInvalidRating):
		writeJSON(rw, http.StatusBadRequest, map[string]string{"status": "error", "error": err.Error()})
		return
	case err != nil:
		metrics.FeedbackFailed.Inc()
		w.logger.Error("cannot record feedback", "err", err, "request_id", requestID(r.Context()))
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	metrics.FeedbackRecorded.Inc()
	w.logger.Info("feedback recorded", "id", saved.ID, "rating", saved.Rating, "tags", len(saved.Tags))
	w.events.Emit(events.Event{
		Type:    events.FeedbackRecorded,
		Source:  "web",
		Payload: map[string]any{"id": saved.ID, "rating": saved.Rating},
	})
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (w *Web) handleRunAutoAI(rw http.ResponseWriter, r *http.Request) {
	if w.analyzer == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "analysis is not configured"})
		return
	}

	// The run may outlast the server write timeout; the analysis timeout
	// bounds this response instead. Recorders without deadlines ignore this.
	_ = http.NewResponseController(rw).SetWriteDeadline(time.Time{})

	// A client that disconnects does not abort the run; the timeout bounds it.
	result, err := w.analyzer.Run(context.WithoutCancel(r.Context()))
	if errors.Is(err, autoai.ErrBusy) {
		writeJSON(rw, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		w.logger.Error("analysis failed", "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, result)
}

func (w *Web) handleRuns(rw http.ResponseWriter, r *http.Request) {
	if w.history == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "run history is disabled"})
		return
	}

	limit := defaultRunLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := w.history.ListRuns(r.Context(), limit)
	if err != nil {
		w.logger.Error("cannot list runs", "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []domain.RunResult{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"runs": runs})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v at
// its zero value.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodySize {
		return errBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func decodeStatus(err error) int {
	if errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
