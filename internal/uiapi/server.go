// Package uiapi serves the local browser UI's JSON API: session control, the
// active context file, the media gallery, the audio analysis tap and a
// websocket stream of every log entry, media item and state change.
package uiapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/jarvis/internal/events"
	"github.com/MrWong99/jarvis/internal/gallery"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/session"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
	"github.com/MrWong99/jarvis/pkg/types"
)

const (
	// MaxContextFileBytes bounds an uploaded context file.
	MaxContextFileBytes = 8 << 20

	// connectTimeout bounds a connect request.
	connectTimeout = 30 * time.Second

	// writeTimeout bounds one websocket write.
	writeTimeout = 5 * time.Second
)

// Session is the orchestrator surface the API drives.
type Session interface {
	Connect(ctx context.Context, settings types.Settings) error
	Disconnect() error
	State() types.SessionState
	SessionID() string
	SetActiveFile(f types.ContextFile)
	ClearActiveFile()
	ActiveFile() (types.ContextFile, bool)
	Tap() *playback.Analyser
}

var _ Session = (*session.Orchestrator)(nil)

// Config wires a [Server]. Session, Events and Gallery are required.
type Config struct {
	Session Session
	Events  *events.Bus
	Gallery *gallery.Gallery
	Health  *health.Handler

	// Defaults returns the settings used for fields a connect request omits.
	Defaults func() types.Settings

	// Metrics records HTTP metrics. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Metrics exposition handler. Nil uses promhttp.Handler().
	MetricsHandler http.Handler

	// MaxFileBytes bounds an uploaded context file.
	// Default: [MaxContextFileBytes].
	MaxFileBytes int64

	// AllowAnyOrigin disables the same-origin check on the event websocket.
	AllowAnyOrigin bool

	// UI, when set, is served at the root.
	UI http.Handler
}

// Server is the HTTP API.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = MaxContextFileBytes
	}
	if cfg.Defaults == nil {
		cfg.Defaults = func() types.Settings { return types.Settings{WakeWordSensitivity: 0.5} }
	}
	return &Server{cfg: cfg}
}

// Router returns the HTTP handler for every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.cfg.Metrics))

	r.Get("/healthz", s.cfg.Health.Healthz)
	r.Get("/readyz", s.cfg.Health.Readyz)
	r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/state", s.handleState)
		r.Post("/session/connect", s.handleConnect)
		r.Post("/session/disconnect", s.handleDisconnect)
		r.Get("/context-file", s.handleGetFile)
		r.Put("/context-file", s.handlePutFile)
		r.Delete("/context-file", s.handleDeleteFile)
		r.Get("/media", s.handleMedia)
		r.Get("/tap", s.handleTap)
	})
	r.Handle(gallery.URLPrefix+"*", http.StripPrefix(gallery.URLPrefix, http.FileServerFS(s.cfg.Gallery.FS())))

	if s.cfg.UI != nil {
		r.Handle("/*", s.cfg.UI)
	}
	return r
}

// ── Session ────────────────────────────────────────────────────────────────────

type stateResponse struct {
	State      types.SessionState `json:"state"`
	SessionID  string             `json:"session_id,omitempty"`
	ActiveFile *fileInfo          `json:"active_file,omitempty"`
}

type fileInfo struct {
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// connectRequest carries optional overrides of the configured settings.
type connectRequest struct {
	VoiceName           string   `json:"voice_name"`
	WakeWordSensitivity *float64 `json:"wake_word_sensitivity"`
}

func (s *Server) state() stateResponse {
	res := stateResponse{State: s.cfg.Session.State(), SessionID: s.cfg.Session.SessionID()}
	if f, ok := s.cfg.Session.ActiveFile(); ok {
		res.ActiveFile = &fileInfo{Name: f.Name, MIMEType: f.MIMEType, SizeBytes: f.SizeBytes}
	}
	return res
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	settings := s.cfg.Defaults()
	if v := strings.TrimSpace(req.VoiceName); v != "" {
		settings.VoiceName = v
	}
	if req.WakeWordSensitivity != nil {
		if *req.WakeWordSensitivity < 0 || *req.WakeWordSensitivity > 1 {
			respondError(w, http.StatusBadRequest, "invalid_request", "wake_word_sensitivity must be within [0, 1]")
			return
		}
		settings.WakeWordSensitivity = *req.WakeWordSensitivity
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()
	err := s.cfg.Session.Connect(ctx, settings)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, s.state())
	case errors.Is(err, session.ErrConfiguration):
		respondError(w, http.StatusPreconditionFailed, "missing_credential", err.Error())
	case errors.Is(err, session.ErrSessionActive):
		respondError(w, http.StatusConflict, "session_active", err.Error())
	case errors.Is(err, session.ErrAborted):
		respondError(w, http.StatusConflict, "connect_aborted", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Session.Disconnect(); err != nil {
		observe.Logger(r.Context()).Warn("disconnect finished with errors", "err", err)
	}
	respondJSON(w, http.StatusOK, s.state())
}

// ── Context file ───────────────────────────────────────────────────────────────

func (s *Server) handleGetFile(w http.ResponseWriter, _ *http.Request) {
	f, ok := s.cfg.Session.ActiveFile()
	if !ok {
		respondError(w, http.StatusNotFound, "no_active_file", "no file is loaded")
		return
	}
	respondJSON(w, http.StatusOK, fileInfo{Name: f.Name, MIMEType: f.MIMEType, SizeBytes: f.SizeBytes})
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(strings.TrimSpace(r.URL.Query().Get("name")))
	if name == "" || name == "." || name == string(filepath.Separator) {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameter name is required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxFileBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "file_too_large", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !utf8.Valid(body) {
		respondError(w, http.StatusUnsupportedMediaType, "not_text", "only text files can be loaded")
		return
	}

	f := types.ContextFile{
		Name:      name,
		Content:   string(body),
		MIMEType:  mimeTypeOf(name, r.Header.Get("Content-Type")),
		SizeBytes: int64(len(body)),
	}
	s.cfg.Session.SetActiveFile(f)
	respondJSON(w, http.StatusOK, fileInfo{Name: f.Name, MIMEType: f.MIMEType, SizeBytes: f.SizeBytes})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Session.ClearActiveFile()
	w.WriteHeader(http.StatusNoContent)
}

// mimeTypeOf prefers the request's declared type, then the extension.
func mimeTypeOf(name, declared string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
	}
	return "text/plain"
}

// ── Media and tap ──────────────────────────────────────────────────────────────

func (s *Server) handleMedia(w http.ResponseWriter, _ *http.Request) {
	items := s.cfg.Gallery.Items()
	if items == nil {
		items = []types.MediaItem{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

type tapResponse struct {
	Active bool    `json:"active"`
	Bins   []int   `json:"bins"`
	Level  float64 `json:"level"`
}

func (s *Server) handleTap(w http.ResponseWriter, _ *http.Request) {
	a := s.cfg.Session.Tap()
	if a == nil {
		respondJSON(w, http.StatusOK, tapResponse{Bins: []int{}})
		return
	}
	raw := a.ByteFrequencyData()
	bins := make([]int, len(raw))
	for i, b := range raw {
		bins[i] = int(b)
	}
	respondJSON(w, http.StatusOK, tapResponse{Active: true, Bins: bins, Level: a.Level()})
}

// ── Event stream ───────────────────────────────────────────────────────────────

// handleEvents upgrades to a websocket, replays the bus history and then
// streams live events until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.cfg.AllowAnyOrigin})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context())
	live, unsubscribe := s.cfg.Events.Subscribe()
	defer unsubscribe()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	var last uint64
	for _, ev := range s.cfg.Events.History() {
		if err := writeEvent(ctx, conn, ev); err != nil {
			log.Debug("event stream closed during replay", "err", err)
			return
		}
		last = ev.Seq
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-live:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if ev.Seq <= last {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				log.Debug("event stream closed", "err", err)
				return
			}
			last = ev.Seq
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// ── Helpers ────────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
