package photostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"geolocate/internal/apperr"
	"geolocate/internal/fsutil"
	"geolocate/internal/geo"
	"geolocate/internal/httpx"
	"geolocate/internal/imagesrc"
	"geolocate/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Formats accepted by POST /upload.
var uploadFormats = map[string]bool{"jpeg": true, "png": true, "gif": true, "tiff": true, "bmp": true, "webp": true}

// Options configures a Server.
type Options struct {
	UploadDir string
	PublicURL string // base of imageRef URLs handed to the calc service
	MaxBytes  int64
}

// Server serves the photo store API.
type Server struct {
	addr      string
	store     *storage.Store
	sim       *Simulator
	importer  *Importer
	uploadDir string
	publicURL string
	maxBytes  int64
	log       *slog.Logger
}

func NewServer(addr string, store *storage.Store, sim *Simulator, importer *Importer, opts Options, log *slog.Logger) *Server {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 25 << 20
	}
	return &Server{
		addr:      addr,
		store:     store,
		sim:       sim,
		importer:  importer,
		uploadDir: opts.UploadDir,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		maxBytes:  opts.MaxBytes,
		log:       log,
	}
}

// Start imports pending files, starts the import watcher and serves until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.importer != nil {
		if n, err := s.importer.ImportExisting(); err != nil {
			s.log.Warn("initial import failed", "error", err)
		} else if n > 0 {
			s.log.Info("initial import finished", "photos", n)
		}
		if err := s.importer.Watch(ctx); err != nil {
			s.log.Warn("import watcher disabled", "error", err)
		}
	}
	return httpx.Serve(ctx, s.addr, s.Handler(), s.log)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(httpx.Logging(s.log))
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/photos", s.handleList).Methods("GET")
	r.HandleFunc("/photos/{id:[0-9]+}/meta", s.handleMeta).Methods("GET")
	r.HandleFunc("/photos/{id:[0-9]+}/detections", s.handleInsertDetections).Methods("POST")
	r.HandleFunc("/photos/{uuid}", s.handleFile).Methods("GET")
	r.HandleFunc("/objects", s.handleObjects).Methods("GET")
	r.HandleFunc("/upload", s.handleUpload).Methods("POST")
	r.HandleFunc("/search", s.handleSearch).Methods("GET")
	r.HandleFunc("/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/calc_for_photo", s.handleSimulate).Methods("POST")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "photo"})
}

// queryInt reads a query parameter, falling back to def and clamping to [lo, hi].
func queryInt(r *http.Request, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		v = def
	}
	return min(max(v, lo), hi)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, apperr.Errorf(apperr.KindValidation, "photostore", "invalid photo id")
	}
	return id, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 1, 500)
	offset := queryInt(r, "offset", 0, 0, math.MaxInt)

	photos, total, err := s.store.ListPhotos(limit, offset)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ListResponse{Total: total, Photos: photos})
}

// ImageRef is the URL, or absolute upload path, the calc service fetches a photo from.
func (s *Server) ImageRef(p storage.Photo) string {
	if s.publicURL == "" {
		dir, err := filepath.Abs(s.uploadDir)
		if err != nil {
			dir = s.uploadDir
		}
		return filepath.Join(dir, p.Name)
	}
	return s.publicURL + "/photos/" + p.UUID
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	p, err := s.store.GetPhoto(id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, Meta{
		ID:       p.ID,
		UUID:     p.UUID,
		ImageRef: s.ImageRef(p),
		ShotLat:  p.ShotLat,
		ShotLon:  p.ShotLon,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uuid"]
	if _, err := uuid.Parse(uid); err != nil {
		httpx.WriteError(w, apperr.Errorf(apperr.KindNotFound, "photostore.file", "photo %s not found", uid))
		return
	}
	p, err := s.store.GetPhotoByUUID(uid)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	path := filepath.Join(s.uploadDir, filepath.Base(p.Name))
	if _, err := os.Stat(path); err != nil {
		httpx.WriteError(w, apperr.E(apperr.KindNotFound, "photostore.file", err))
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleInsertDetections(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req InsertRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	objs := make([]storage.DetectedObject, len(req.Detections))
	for i, d := range req.Detections {
		if err := d.validate(); err != nil {
			httpx.WriteError(w, apperr.E(apperr.KindValidation, "photostore.detections", fmt.Errorf("detection %d: %w", i, err)))
			return
		}
		objs[i] = d.Object(id)
	}

	n, err := s.store.InsertDetections(id, objs)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	s.store.RecordHistory("detections_insert", map[string]any{"photo_id": id, "inserted": n})
	httpx.WriteJSON(w, http.StatusCreated, InsertResponse{Inserted: n})
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	var photoID int64
	if v := r.URL.Query().Get("photo_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "photostore.objects", "invalid photo_id"))
			return
		}
		photoID = id
	}
	objs, err := s.store.ListDetections(photoID, queryInt(r, "limit", 500, 1, 5000))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"objects": objs})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "file too large (> " + humanize.IBytes(uint64(s.maxBytes)) + ")",
			})
			return
		}
		httpx.WriteError(w, apperr.E(apperr.KindValidation, "photostore.upload", err))
		return
	}

	f, header, err := r.FormFile("image")
	if err != nil {
		httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "photostore.upload", "no file field 'image'"))
		return
	}
	defer f.Close()
	if header.Filename == "" {
		httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "photostore.upload", "empty filename"))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		httpx.WriteError(w, apperr.E(apperr.KindValidation, "photostore.upload", err))
		return
	}
	if len(raw) == 0 {
		httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "photostore.upload", "empty file"))
		return
	}
	if int64(len(raw)) > s.maxBytes {
		httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "file too large (> " + humanize.IBytes(uint64(s.maxBytes)) + ")",
		})
		return
	}

	format, width, height, err := imagesrc.Probe(raw)
	if err != nil || !uploadFormats[format] {
		httpx.WriteJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "unsupported image"})
		return
	}

	shotLat, shotLon := uploadShot(r)

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		httpx.WriteError(w, apperr.E(apperr.KindPersistence, "photostore.upload", err))
		return
	}
	name := fsutil.SanitizeName(header.Filename)
	if filepath.Ext(name) == "" {
		name += "." + strings.Replace(format, "jpeg", "jpg", 1)
	}
	dest := fsutil.UniquePath(s.uploadDir, name)
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		httpx.WriteError(w, apperr.E(apperr.KindPersistence, "photostore.upload", err))
		return
	}

	if shotLat == nil || shotLon == nil {
		shotLat, shotLon = exifShot(r.Context(), dest)
	}

	photo := storage.Photo{
		UUID:    uuidFromName(filepath.Base(dest)),
		Name:    filepath.Base(dest),
		Width:   &width,
		Height:  &height,
		Type:    truncate(orDefault(r.FormValue("type"), "unknown"), 64),
		Subtype: truncate(orDefault(r.FormValue("subtype"), "unknown"), 64),
		ShotLat: shotLat,
		ShotLon: shotLon,
	}
	id, err := s.store.InsertPhoto(photo)
	if err != nil {
		os.Remove(dest)
		httpx.WriteError(w, err)
		return
	}
	photo.ID = id

	s.store.RecordHistory("upload", map[string]any{"photo_id": id, "name": photo.Name, "bytes": len(raw)})
	s.log.Info("photo uploaded", "photo_id", id, "name", photo.Name, "size", humanize.IBytes(uint64(len(raw))))
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"photo": photo})
}

// uploadShot reads shot_lat/shot_lon form fields, overridden by an
// optional "meta" JSON file carrying lat/lon.
func uploadShot(r *http.Request) (*float64, *float64) {
	lat := parseFloat(r.FormValue("shot_lat"))
	lon := parseFloat(r.FormValue("shot_lon"))

	mf, _, err := r.FormFile("meta")
	if err != nil {
		return lat, lon
	}
	defer mf.Close()
	var meta struct {
		Lat Float `json:"lat"`
		Lon Float `json:"lon"`
	}
	if err := json.NewDecoder(io.LimitReader(mf, 1<<16)).Decode(&meta); err != nil {
		return lat, lon
	}
	if meta.Lat.Value != nil {
		lat = meta.Lat.Value
	}
	if meta.Lon.Value != nil {
		lon = meta.Lon.Value
	}
	return lat, lon
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	lat := parseFloat(r.URL.Query().Get("lat"))
	lon := parseFloat(r.URL.Query().Get("lon"))
	if lat == nil || lon == nil {
		httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "photostore.search", "lat/lon required"))
		return
	}
	limit := queryInt(r, "limit", 12, 1, 200)

	hits, err := s.store.SearchNearest(geo.Point{Lat: *lat, Lon: *lon}, limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	s.store.RecordHistory("search_knn", map[string]any{"lat": *lat, "lon": *lon, "limit": limit, "returned": len(hits)})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentHistory(queryInt(r, "limit", 100, 1, 1000))
	if err != nil {
		httpx.WriteError(w, apperr.E(apperr.KindPersistence, "photostore.history", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.PhotoID <= 0 {
		httpx.WriteError(w, apperr.Errorf(apperr.KindValidation, "photostore.simulate", "photo_id required"))
		return
	}
	resp, err := s.sim.Run(req.PhotoID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
