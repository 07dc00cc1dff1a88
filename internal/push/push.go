// Package push delivers typed messages to live browser sessions over socket.io.
package push

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/zishang520/socket.io/v2/socket"
)

// TypeScheduledExperimentUpdate carries the full list of an account's scheduled experiments
const TypeScheduledExperimentUpdate = "SCHEDULED_EXPERIMENT_UPDATE"

// ErrUnknownSession is returned when pushing to a session that is not connected
var ErrUnknownSession = errors.New("push: unknown session")

// Message is the envelope every push carries
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Binder records which account a session is looking at
type Binder interface {
	Bind(sessionID, account string)
	Unbind(sessionID string)
}

// Config holds push channel settings
type Config struct {
	// HTTP path the socket.io endpoint is mounted at
	Path string `toml:"path"`

	// Event name messages are emitted under
	Event string `toml:"event"`

	// Event name clients send to bind their session to an account
	BindEvent string `toml:"bind_event"`
}

// DefaultConfig returns the standard socket.io mount point and event names
func DefaultConfig() Config {
	return Config{
		Path:      "/socket.io/",
		Event:     "message",
		BindEvent: "workspace",
	}
}

// Validate checks push configuration
func (c Config) Validate() error {
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("push path must start with '/', got %q", c.Path)
	}
	if c.Event == "" {
		return fmt.Errorf("push event must be specified")
	}
	if c.BindEvent == "" {
		return fmt.Errorf("push bind_event must be specified")
	}
	return nil
}

// emitter is the part of a socket.io connection the server writes to
type emitter interface {
	Emit(ev string, args ...any) error
}

// Server is the push channel. Each connected socket is a session, identified
// by its socket id.
type Server struct {
	config Config
	binder Binder
	logger *slog.Logger

	io      *socket.Server
	options *socket.ServerOptions

	mu       sync.RWMutex
	sessions map[string]emitter
}

// NewServer creates a push server that binds sessions through binder
func NewServer(config Config, binder Binder, logger *slog.Logger) *Server {
	options := socket.DefaultServerOptions()
	options.SetPath(strings.TrimSuffix(config.Path, "/"))

	s := &Server{
		config:   config,
		binder:   binder,
		logger:   logger,
		options:  options,
		io:       socket.NewServer(nil, options),
		sessions: make(map[string]emitter),
	}

	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.handleConnection(client)
	})

	return s
}

func (s *Server) handleConnection(client *socket.Socket) {
	id := string(client.Id())
	s.attach(id, client)

	client.On(s.config.BindEvent, func(args ...any) {
		if len(args) == 0 {
			return
		}
		account, ok := args[0].(string)
		if !ok || account == "" {
			s.logger.Warn("ignoring workspace binding without account", "session_id", id)
			return
		}
		s.bind(id, account)
	})

	client.On("disconnect", func(...any) {
		s.detach(id)
	})
}

// attach registers a connected session
func (s *Server) attach(id string, conn emitter) {
	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()

	s.logger.Debug("push session connected", "session_id", id)
}

// bind binds a connected session to an account
func (s *Server) bind(id, account string) {
	s.mu.RLock()
	_, connected := s.sessions[id]
	s.mu.RUnlock()
	if !connected {
		return
	}

	s.binder.Bind(id, account)
	s.logger.Debug("push session bound", "session_id", id, "account", account)
}

// detach forgets a session and its account binding
func (s *Server) detach(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	s.binder.Unbind(id)
	s.logger.Debug("push session disconnected", "session_id", id)
}

// Push emits msg to a single session
func (s *Server) Push(sessionID string, msg Message) error {
	s.mu.RLock()
	conn, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	if err := conn.Emit(s.config.Event, msg); err != nil {
		return fmt.Errorf("failed to push to session %s: %w", sessionID, err)
	}
	return nil
}

// Connected returns the number of connected sessions
func (s *Server) Connected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Handler returns the HTTP handler serving the socket.io endpoint
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(s.options)
}

// Path returns the subtree pattern the handler must be mounted at
func (s *Server) Path() string {
	return strings.TrimSuffix(s.config.Path, "/") + "/"
}

// Close disconnects every session
func (s *Server) Close() {
	s.io.Close(nil)
}
