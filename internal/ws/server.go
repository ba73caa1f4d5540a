// Package ws is the management surface: live frame and diagnostics streams
// over websockets plus a small HTTP API for status and control.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	diag "github.com/coreman2200/keyfx/internal/diagnostics"
	"github.com/coreman2200/keyfx/internal/engine"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/script"
)

// Engine is the render loop as seen by the management surface.
type Engine interface {
	Snapshot() render.Grid
	Status() engine.Status
	Enable(ctx context.Context, id string) error
}

// Reloader rebuilds or switches the active profile.
type Reloader interface {
	Profile() string
	Reload(ctx context.Context) error
	Switch(ctx context.Context, name string) error
}

type Server struct {
	Eng    Engine
	Reload Reloader

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	diagClients map[*websocket.Conn]bool
	frameID     uint64
	startTime   time.Time
	diags       chan diag.Diagnostic
	upgrader    websocket.Upgrader
}

func NewServer(eng Engine, r Reloader) *Server {
	return &Server{
		Eng:         eng,
		Reload:      r,
		clients:     map[*websocket.Conn]bool{},
		diagClients: map[*websocket.Conn]bool{},
		startTime:   time.Now(),
		diags:       make(chan diag.Diagnostic, 64),
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler routes the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/frames", s.HandleFramesWS)
	mux.HandleFunc("GET /ws/diag", s.HandleDiagWS)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /status", s.HandleStatus)
	mux.HandleFunc("POST /enable", s.HandleEnable)
	mux.HandleFunc("POST /reload", s.HandleReload)
	return mux
}

// Push queues a diagnostic for diag clients. It never blocks; when the queue
// is full the diagnostic is dropped.
func (s *Server) Push(d diag.Diagnostic) {
	select {
	case s.diags <- d:
	default:
		log.Debug().Str("code", d.Code).Msg("diagnostic dropped")
	}
}

// Run streams frames at fps and forwards diagnostics until ctx is done.
func (s *Server) Run(ctx context.Context, fps int) {
	ticker := time.NewTicker(time.Second / time.Duration(max(1, fps)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.broadcastFrame(s.Eng.Snapshot())
		case d := <-s.diags:
			s.pushDiag(d)
		}
	}
}

func (s *Server) register(set map[*websocket.Conn]bool, conn *websocket.Conn) {
	s.mu.Lock()
	set[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(set, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.sendTopology(conn)
	s.register(s.clients, conn)
}

func (s *Server) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.register(s.diagClients, conn)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Eng.Status()
	s.mu.RLock()
	resp := map[string]any{
		"frame_id": s.frameID,
		"frame":    st.Frame,
		"uptime_s": time.Since(s.startTime).Seconds(),
		"count":    len(s.Eng.Snapshot()),
		"fps":      st.Stats.FPS,
		"profile":  st.Profile,
		"faults":   len(st.Faults()),
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Eng.Status())
}

// HandleEnable re-enables ?instance=<id>. The request completes at the next
// cycle boundary.
func (s *Server) HandleEnable(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("instance")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("instance required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	switch err := s.Eng.Enable(ctx, id); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"enabled": id})
	case errors.Is(err, engine.ErrUnknownInstance):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, script.ErrBusy), errors.Is(err, script.ErrNotLoaded):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusServiceUnavailable, err)
	}
}

// HandleReload rebuilds the current profile, or switches to ?profile=<name>.
func (s *Server) HandleReload(w http.ResponseWriter, r *http.Request) {
	if s.Reload == nil {
		writeError(w, http.StatusNotImplemented, errors.New("reload unavailable"))
		return
	}
	var err error
	if name := r.URL.Query().Get("profile"); name != "" && name != s.Reload.Profile() {
		err = s.Reload.Switch(r.Context(), name)
	} else {
		err = s.Reload.Reload(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile": s.Reload.Profile()})
}

func (s *Server) sendTopology(conn *websocket.Conn) {
	st := s.Eng.Status()
	top := map[string]any{
		"keys":    len(s.Eng.Snapshot()),
		"profile": st.Profile,
	}
	b, _ := json.Marshal(top)
	conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

type frame struct {
	T       int64  `json:"t"`
	FrameID uint64 `json:"frame_id"`
	RGB     []byte `json:"rgb"`
}

func (s *Server) broadcastFrame(g render.Grid) {
	rgb := make([]byte, 0, 3*len(g))
	for _, c := range g {
		r, gr, b := c.Bytes()
		rgb = append(rgb, r, gr, b)
	}
	s.mu.Lock()
	s.frameID++
	b, _ := json.Marshal(frame{T: time.Now().UnixNano(), FrameID: s.frameID, RGB: rgb})
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug().Err(err).Msg("write frame")
		}
	}
}

func (s *Server) pushDiag(d diag.Diagnostic) {
	b, _ := json.Marshal(d)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.diagClients {
		c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		_ = c.Close()
	}
	for c := range s.diagClients {
		_ = c.Close()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
