package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

const (
	defaultPort      = 18791
	defaultSession   = "default"
	maxUploadBytes   = 25 << 20
	shutdownTimeout  = 5 * time.Second
	sessionTimestamp = "20060102150405"
)

// Channel serves the browser front-end: JSON chat intake, SSE and websocket
// event feeds, and file uploads. Session keys are exact ("#"-suffixed) so the
// agent reaches the pinned session without consulting the active index.
type Channel struct {
	*channels.BaseChannel
	cfg      config.WebChannelConfig
	server   *http.Server
	limiter  *channels.ChatRateLimiter
	hub      *eventHub
	sessions *sessionKeys
	upgrader websocket.Upgrader
}

func New(cfg config.WebChannelConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("web", msgBus),
		cfg:         cfg,
		limiter:     channels.NewChatRateLimiter(cfg.RateLimitRPM),
		hub:         newEventHub(),
		sessions:    newSessionKeys(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the listener and serves in a goroutine.
func (c *Channel) Start(_ context.Context) error {
	host := c.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.cfg.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", c.handleChat)
	mux.HandleFunc("POST /api/sessions/new", c.handleNewSession)
	mux.HandleFunc("GET /api/events", c.handleEvents)
	mux.HandleFunc("GET /ws", c.handleWebsocket)
	mux.HandleFunc("POST /api/upload", c.handleUpload)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	c.SetRunning(true)
	slog.Info("web channel listening", "addr", addr)

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web channel server failed", "error", err)
		}
	}()
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return c.server.Shutdown(shutdownCtx)
}

// Send publishes the outbound message to the chat's event feed. Streaming
// deltas flow through as-is; browsers render them incrementally.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.hub.Publish(msg)
	return nil
}

type chatRequest struct {
	ChatID      string   `json:"chat_id"`
	SessionName string   `json:"session_name,omitempty"`
	Content     string   `json:"content"`
	Media       []string `json:"media,omitempty"`
}

func (c *Channel) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" || strings.TrimSpace(req.Content) == "" {
		httpError(w, http.StatusBadRequest, "chat_id and content are required")
		return
	}
	if !c.limiter.Allow(req.ChatID) {
		httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	key := c.sessions.current(req.ChatID, sessionName(req.SessionName))
	c.PublishInbound(req.ChatID, req.ChatID, req.Content, req.Media, key, map[string]string{
		"remote_addr": r.RemoteAddr,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "queued",
		"session_key": key,
	})
}

func (c *Channel) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" {
		httpError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	key := c.sessions.rotate(req.ChatID, sessionName(req.SessionName))
	writeJSON(w, http.StatusOK, map[string]string{"session_key": key})
}

func (c *Channel) handleEvents(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		httpError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	live, replay, cancel := c.hub.Subscribe(chatID, since)
	defer cancel()

	for _, ev := range replay {
		writeSSE(w, ev)
	}
	flusher.Flush()

	keepalive := time.NewTicker(20 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-live:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func (c *Channel) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		httpError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	live, replay, cancel := c.hub.Subscribe(chatID, 0)
	defer cancel()

	// Reader goroutine detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range replay {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev := <-live:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[^\w.-]+`)

func (c *Channel) handleUpload(w http.ResponseWriter, r *http.Request) {
	dir := c.cfg.UploadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "nanobot-uploads")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		httpError(w, http.StatusInternalServerError, "upload dir unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := unsafeFilenameChars.ReplaceAllString(filepath.Base(header.Filename), "_")
	if name == "" || name == "." {
		name = "upload"
	}
	dest := filepath.Join(dir, uuid.NewString()[:8]+"_"+name)

	out, err := os.Create(dest)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cannot store upload")
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		os.Remove(dest)
		httpError(w, http.StatusInternalServerError, "upload write failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"path": dest})
}

func sessionName(name string) string {
	if name == "" {
		return defaultSession
	}
	return name
}

// sessionKeys tracks the pinned exact session key per chat+name pair.
type sessionKeys struct {
	mu   sync.Mutex
	keys map[string]string
}

func newSessionKeys() *sessionKeys {
	return &sessionKeys{keys: make(map[string]string)}
}

func (s *sessionKeys) current(chatID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chatID + ":" + name
	if key, ok := s.keys[id]; ok {
		return key
	}
	key := mintSessionKey(chatID, name)
	s.keys[id] = key
	return key
}

func (s *sessionKeys) rotate(chatID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mintSessionKey(chatID, name)
	s.keys[chatID+":"+name] = key
	return key
}

func mintSessionKey(chatID, name string) string {
	return "web:" + chatID + ":" + name + "#" + time.Now().Format(sessionTimestamp)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w io.Writer, ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
}
