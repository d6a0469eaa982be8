// Package console serves the local control surface: a small JSON API
// for session control plus a websocket that pushes status snapshots
// whenever anything changes.
package console

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/aide/session"
)

// Session is the controller surface the console drives.
type Session interface {
	Connect() error
	Disconnect()
	State() session.State
	Level() float64
	UserSpeaking() bool
	ModelSpeaking() bool
	Thinking() bool
	Muted() bool
	ScreenEnabled() bool
	SetMuted(muted bool)
	SetScreenEnabled(enabled bool) error
	SendText(text string) error
	Messages() []session.Message
}

type Config struct {
	Addr      string
	StaticDir string
	Logger    *slog.Logger
}

// statusSnapshot is the payload pushed over the websocket and returned
// by GET /api/state.
type statusSnapshot struct {
	State         string  `json:"state"`
	Level         float64 `json:"level"`
	UserSpeaking  bool    `json:"userSpeaking"`
	ModelSpeaking bool    `json:"modelSpeaking"`
	Thinking      bool    `json:"thinking"`
	Muted         bool    `json:"muted"`
	ScreenEnabled bool    `json:"screenEnabled"`
	MessageCount  int     `json:"messageCount"`
}

type Console struct {
	config   Config
	logger   *slog.Logger
	sess     Session
	server   *http.Server
	upgrader websocket.Upgrader

	subMu sync.Mutex
	subs  map[*wsConnection]struct{}
}

func New(config Config, sess Session) *Console {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8138"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Console{
		config: config,
		logger: config.Logger,
		sess:   sess,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local control surface only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*wsConnection]struct{}),
	}
}

// Serve runs the HTTP server until ctx is cancelled.
func (c *Console) Serve(ctx context.Context) error {
	router := mux.NewRouter()

	router.HandleFunc("/api/state", c.handleState).Methods("GET")
	router.HandleFunc("/api/messages", c.handleMessages).Methods("GET")
	router.HandleFunc("/api/connect", c.handleConnect).Methods("POST")
	router.HandleFunc("/api/disconnect", c.handleDisconnect).Methods("POST")
	router.HandleFunc("/api/mute", c.handleMute).Methods("POST")
	router.HandleFunc("/api/screen", c.handleScreen).Methods("POST")
	router.HandleFunc("/api/text", c.handleText).Methods("POST")
	router.HandleFunc("/ws", c.handleWebSocket)

	if c.config.StaticDir != "" {
		staticFS := http.FileServer(http.Dir(c.config.StaticDir))
		router.PathPrefix("/").Handler(http.StripPrefix("/", staticFS))
	}

	c.server = &http.Server{
		Addr:    c.config.Addr,
		Handler: router,
	}

	go func() {
		c.logger.Info("Console listening", "addr", c.config.Addr)
		if err := c.server.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Error("Console server error", "error", err)
		}
	}()

	<-ctx.Done()
	return c.server.Shutdown(context.Background())
}

// Notify pushes a fresh status snapshot to every websocket subscriber.
// Wire it to the controller's OnUpdate hook.
func (c *Console) Notify() {
	data, err := json.Marshal(c.snapshot())
	if err != nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for sub := range c.subs {
		select {
		case sub.send <- data:
		default:
			// Slow subscriber; drop the snapshot, the next one supersedes it.
		}
	}
}

func (c *Console) snapshot() statusSnapshot {
	return statusSnapshot{
		State:         c.sess.State().String(),
		Level:         c.sess.Level(),
		UserSpeaking:  c.sess.UserSpeaking(),
		ModelSpeaking: c.sess.ModelSpeaking(),
		Thinking:      c.sess.Thinking(),
		Muted:         c.sess.Muted(),
		ScreenEnabled: c.sess.ScreenEnabled(),
		MessageCount:  len(c.sess.Messages()),
	}
}

func (c *Console) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.snapshot())
}

func (c *Console) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.sess.Messages())
}

func (c *Console) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := c.sess.Connect(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, c.snapshot())
}

func (c *Console) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	c.sess.Disconnect()
	writeJSON(w, c.snapshot())
}

func (c *Console) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	c.sess.SetMuted(req.Muted)
	writeJSON(w, c.snapshot())
}

func (c *Console) handleScreen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := c.sess.SetScreenEnabled(req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, c.snapshot())
}

func (c *Console) handleText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		http.Error(w, "Text must not be empty", http.StatusBadRequest)
		return
	}
	if err := c.sess.SendText(text); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
