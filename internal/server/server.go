package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/restadapter/broker"
)

const (
	// streamWriteTimeout is the maximum time allowed for a single SSE or
	// WebSocket write. Must be <= shutdown timeout.
	streamWriteTimeout = 5 * time.Second

	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "restadapter"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

// TopicSource is the topic tree served over HTTP.
type TopicSource interface {
	Topics() []broker.TopicSnapshot
	Topic(path string) (broker.TopicSnapshot, bool)
	Subscribe() <-chan broker.TopicSnapshot
	Unsubscribe(ch <-chan broker.TopicSnapshot)
}

// HealthFunc reports the adapter state and whether it is serving.
type HealthFunc func() (state string, healthy bool)

// Options configures a [Server].
type Options struct {
	// Addr is the TCP address to listen on, e.g. ":8090".
	Addr string

	// Gatherer backs /metrics. If nil, /metrics is not served.
	Gatherer prometheus.Gatherer

	// Health backs /healthz. If nil, /healthz always reports ok.
	Health HealthFunc

	// Assets holds assets/index.html, served at "/". May be nil.
	Assets fs.FS

	// Title replaces the title placeholder of the page. Defaults to
	// "restadapter".
	Title string

	Logger *slog.Logger
}

// Server serves the embedded broker's topic tree.
//
// Routes:
//   - GET /: the topic viewer, if assets are configured
//   - GET /api/topics: every topic as JSON
//   - GET /api/topics/{path...}: one topic
//   - GET /api/sse: Server-Sent Events stream of topic updates
//   - GET /api/ws: WebSocket stream of topic updates
//   - GET /metrics: Prometheus exposition
//   - GET /healthz: adapter state
type Server struct {
	topics     TopicSource
	opts       Options
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a new HTTP [Server]. The server is not started until
// [Server.Start] is called.
func NewServer(topics TopicSource, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		topics: topics,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/topics", s.handleTopics)
	mux.HandleFunc("GET /api/topics/{path...}", s.handleTopic)
	mux.HandleFunc("GET /api/sse", s.handleSSE)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.Assets != nil {
		mux.HandleFunc("GET /{$}", s.handleDashboard)
	}
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start returns once the listener is bound. The server runs until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx so streams end on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// handleDashboard serves the topic viewer.
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	content, err := fs.ReadFile(s.opts.Assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// escape the title, it is configuration supplied
	title := s.opts.Title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

// topicView is the JSON form of a topic. JSON values are embedded as is,
// strings as JSON strings and binary values base64 encoded.
type topicView struct {
	Path      string           `json:"path"`
	Type      broker.TopicType `json:"type"`
	Value     json.RawMessage  `json:"value"`
	Updates   int64            `json:"updates"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

func view(t broker.TopicSnapshot) topicView {
	v := topicView{Path: t.Path, Type: t.Type, Updates: t.Updates}
	if !t.UpdatedAt.IsZero() {
		at := t.UpdatedAt
		v.UpdatedAt = &at
	}

	switch {
	case t.Value == nil:
		v.Value = json.RawMessage("null")
	case t.Type == broker.TopicTypeJSON:
		v.Value = json.RawMessage(t.Value)
	case t.Type == broker.TopicTypeString:
		v.Value, _ = json.Marshal(string(t.Value))
	default:
		v.Value, _ = json.Marshal(t.Value)
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	topics := s.topics.Topics()
	views := make([]topicView, 0, len(topics))
	for _, t := range topics {
		views = append(views, view(t))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	t, ok := s.topics.Topic(r.PathValue("path"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "topic not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, view(t))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state, healthy := "ok", true
	if s.opts.Health != nil {
		state, healthy = s.opts.Health()
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"state": state})
}

// handleSSE streams topic updates via Server-Sent Events, starting with the
// current value of every topic.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	// writeAndFlush writes one event under a deadline so a stalled client
	// cannot block the handler past shutdown.
	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	ch := s.topics.Subscribe()
	defer s.topics.Unsubscribe(ch)

	for _, t := range s.topics.Topics() {
		data, err := json.Marshal(view(t))
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case t, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(view(t))
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on client disconnect and on server shutdown
			return
		}
	}
}

// handleWebSocket streams topic updates as JSON text messages, starting with
// the current value of every topic. Messages from the client are discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.topics.Subscribe()
	defer s.topics.Unsubscribe(ch)

	// The read loop detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(t broker.TopicSnapshot) error {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(view(t))
	}

	for _, t := range s.topics.Topics() {
		if err := send(t); err != nil {
			return
		}
	}

	for {
		select {
		case t, ok := <-ch:
			if !ok {
				return
			}
			if err := send(t); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-gone:
			return

		case <-r.Context().Done():
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}
