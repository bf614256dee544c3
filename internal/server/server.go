// Package server is the HTTP surface of the calc service.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"geolocate/internal/apperr"
	"geolocate/internal/calc"
	"geolocate/internal/detect"
	"geolocate/internal/httpx"
	"geolocate/internal/pipeline"

	"github.com/gorilla/mux"
)

// Server wraps the calc service with its HTTP routes.
type Server struct {
	addr string
	svc  *calc.Service
	log  *slog.Logger
}

// ModelInfo is one row of GET /models.
type ModelInfo struct {
	detect.Model
	Available bool `json:"available"`
}

func NewServer(addr string, svc *calc.Service, log *slog.Logger) *Server {
	return &Server{addr: addr, svc: svc, log: log}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return httpx.Serve(ctx, s.addr, s.Handler(), s.log)
}

// Handler returns the routed handler, also used directly by tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(httpx.Logging(s.log))
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
	r.HandleFunc("/photo", s.handlePhoto).Methods("GET")
	r.HandleFunc("/clear", s.handleClear).Methods("POST")
	r.HandleFunc("/models", s.handleModels).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req calc.Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp, err := s.svc.Detect(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "server.photo", "id is required"))
		return
	}
	data, err := s.svc.Store().Get(id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.Write(data)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Store().Clear()
	if err != nil {
		httpx.WriteError(w, apperr.E(apperr.KindPersistence, "server.clear", err))
		return
	}
	s.log.Info("result store cleared", "removed", n)
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	available := make(map[detect.Method]bool)
	for _, m := range s.svc.Engine().Available() {
		available[m] = true
	}
	var out []ModelInfo
	for _, m := range detect.Models() {
		out = append(out, ModelInfo{Model: m, Available: m.Method == detect.MethodAuto || available[m.Method]})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// streamEvent is the SSE payload for one finished image.
type streamEvent struct {
	Job        string         `json:"job"`
	Kind       string         `json:"kind"`
	Ref        string         `json:"ref"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func newStreamEvent(res pipeline.Result) streamEvent {
	ev := streamEvent{
		Job:        res.Job.ID,
		Kind:       string(res.Job.Kind),
		Ref:        res.Job.Ref,
		DurationMS: res.Duration.Milliseconds(),
		Meta:       res.Meta,
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.svc.Pipeline().Subscribe()
	defer unsubscribe()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newStreamEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
