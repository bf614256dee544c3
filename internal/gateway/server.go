package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"geolocate/internal/apperr"
	"geolocate/internal/detect"
	"geolocate/internal/httpx"
	"geolocate/internal/web"

	"github.com/gorilla/mux"
)

// Response headers that are not forwarded from upstream services.
var dropHeaders = map[string]bool{
	"Content-Length":      true,
	"Transfer-Encoding":   true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Upgrade":             true,
	"Server":              true,
	"Date":                true,
}

// DetectRequest is the body of the detection endpoints. calc_for_photo
// reads PhotoID, the batch endpoints read PhotoIDs.
type DetectRequest struct {
	PhotoID  int64   `json:"photo_id"`
	PhotoIDs []int64 `json:"photo_ids"`
	Method   int     `json:"method"`
	Seed     *int64  `json:"seed,omitempty"`
}

// Server is the browser-facing gateway.
type Server struct {
	addr     string
	orch     *Orchestrator
	hub      *web.Hub
	calcURL  string
	photoURL string
	client   *http.Client
	log      *slog.Logger
}

func NewServer(addr string, orch *Orchestrator, hub *web.Hub, calcURL, photoURL string, client *http.Client, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		orch:     orch,
		hub:      hub,
		calcURL:  strings.TrimRight(calcURL, "/"),
		photoURL: strings.TrimRight(photoURL, "/"),
		client:   client,
		log:      log,
	}
}

// Start runs the websocket hub and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	return httpx.Serve(ctx, s.addr, s.Handler(), s.log)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(httpx.Logging(s.log))
	r.Use(httpx.CORS)
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/calc_for_photo", s.handleCalcForPhoto).Methods("POST", "OPTIONS")
	api.HandleFunc("/calc_batch", s.handleCalcBatch).Methods("POST", "OPTIONS")
	api.HandleFunc("/detect_batch", s.handleDetectBatch).Methods("POST", "OPTIONS")
	api.HandleFunc("/calc_photo", s.handleCalcPhoto).Methods("GET")
	api.HandleFunc("/models", s.relayTo(s.calcURL, "/models")).Methods("GET")

	api.HandleFunc("/photos", s.relayTo(s.photoURL, "/photos")).Methods("GET")
	api.HandleFunc("/photos/{uuid}", s.handlePhotoFile).Methods("GET")
	api.HandleFunc("/objects", s.relayTo(s.photoURL, "/objects")).Methods("GET")
	api.HandleFunc("/upload", s.relayTo(s.photoURL, "/upload")).Methods("POST", "OPTIONS")
	api.HandleFunc("/search_coords", s.relayTo(s.photoURL, "/search")).Methods("GET")
	api.HandleFunc("/history", s.relayTo(s.photoURL, "/history")).Methods("GET")

	r.HandleFunc("/ws", s.hub.ServeWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleCalcForPhoto(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDetectRequest(r)
	if err == nil && req.PhotoID <= 0 {
		err = apperr.Errorf(apperr.KindValidation, "gateway.calc_for_photo", "photo_id is required")
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	out, err := s.orch.DetectSingle(r.Context(), req.PhotoID, req.Method, req.Seed)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleCalcBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDetectRequest(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	out, err := s.orch.DetectBatch(r.Context(), req.PhotoIDs, req.Method, req.Seed)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleDetectBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDetectRequest(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	outcomes, err := s.orch.DetectEach(r.Context(), req.PhotoIDs, req.Method, req.Seed)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

func (s *Server) handleCalcPhoto(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "gateway.calc_photo", "id is required"))
		return
	}
	s.relay(w, r, s.calcURL+"/photo?id="+url.QueryEscape(id))
}

func (s *Server) handlePhotoFile(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, s.photoURL+"/photos/"+url.PathEscape(mux.Vars(r)["uuid"]))
}

// relayTo forwards the request to path on base, keeping the query string.
func (s *Server) relayTo(base, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := base + path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		s.relay(w, r, target)
	}
}

// relay sends r to target and copies the reply back without hop-by-hop
// headers.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, target string) {
	var body io.Reader
	if r.Method == http.MethodPost {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		httpx.WriteError(w, apperr.E(apperr.KindValidation, "gateway.relay", err))
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("relay failed", "target", target, "error", err)
		httpx.WriteError(w, apperr.E(apperr.KindFetch, "gateway.relay", err))
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		if dropHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug("relay copy interrupted", "target", target, "error", err)
	}
}

func decodeDetectRequest(r *http.Request) (DetectRequest, error) {
	var req DetectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return req, err
	}
	if _, ok := detect.LookupModel(detect.Method(req.Method)); !ok {
		return req, apperr.Errorf(apperr.KindValidation, "gateway.decode", "unknown method %d", req.Method)
	}
	return req, nil
}
