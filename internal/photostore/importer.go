package photostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"geolocate/internal/fsutil"
	"geolocate/internal/imagesrc"
	"geolocate/internal/storage"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const settleDelay = 500 * time.Millisecond

// Float reads a JSON number or a string that may use a decimal comma.
type Float struct {
	Value *float64
}

func (f *Float) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		f.Value = nil
	case float64:
		f.Value = &v
	case string:
		f.Value = parseFloat(v)
	default:
		return fmt.Errorf("invalid number %v", raw)
	}
	return nil
}

// parseFloat accepts "55.7" and "55,7"; anything else yields nil.
func parseFloat(s string) *float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// Sidecar is the optional <stem>.json next to an imported image.
type Sidecar struct {
	Lat       Float   `json:"lat"`
	Lon       Float   `json:"lon"`
	Latitude  Float   `json:"latitude"`
	Longitude Float   `json:"longitude"`
	Issues    []Issue `json:"issues"`
}

// Issue is a pre-computed detection shipped with an imported image.
type Issue struct {
	Label     string     `json:"label"`
	Score     *float64   `json:"score"`
	BBox      *IssueBBox `json:"bbox"`
	Latitude  Float      `json:"latitude"`
	Longitude Float      `json:"longitude"`
}

// IssueBBox has per-field defaults, so missing fields stay nil.
type IssueBBox struct {
	X, Y, W, H *int
}

func (b *IssueBBox) UnmarshalJSON(data []byte) error {
	var raw struct {
		X *int `json:"x"`
		Y *int `json:"y"`
		W *int `json:"w"`
		H *int `json:"h"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.X, b.Y, b.W, b.H = raw.X, raw.Y, raw.W, raw.H
	return nil
}

func (s Sidecar) shot() (*float64, *float64) {
	lat, lon := s.Lat.Value, s.Lon.Value
	if lat == nil {
		lat = s.Latitude.Value
	}
	if lon == nil {
		lon = s.Longitude.Value
	}
	return lat, lon
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// objects converts issues, defaulting missing boxes to 10,10,100,100,
// scores to 0.8 and coordinates to the shot location.
func (s Sidecar) objects(photoID int64) []storage.DetectedObject {
	shotLat, shotLon := s.shot()
	out := make([]storage.DetectedObject, 0, len(s.Issues))
	for _, iss := range s.Issues {
		var bb IssueBBox
		if iss.BBox != nil {
			bb = *iss.BBox
		}
		x, y := intOr(bb.X, 10), intOr(bb.Y, 10)
		w, h := intOr(bb.W, 100), intOr(bb.H, 100)

		conf := 0.8
		if iss.Score != nil {
			conf = *iss.Score
		}
		lat, lon := iss.Latitude.Value, iss.Longitude.Value
		if lat == nil || lon == nil {
			lat, lon = shotLat, shotLon
		}
		label := iss.Label
		if label == "" {
			label = "object"
		}
		out = append(out, storage.DetectedObject{
			PhotoID: photoID, Label: label, Confidence: conf,
			X1: x, Y1: y, X2: x + w, Y2: y + h,
			Latitude: lat, Longitude: lon,
		})
	}
	return out
}

func readSidecar(imagePath string) (*Sidecar, error) {
	data, err := os.ReadFile(fsutil.SidecarPath(imagePath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sidecar for %s: %w", filepath.Base(imagePath), err)
	}
	return &sc, nil
}

// Importer registers images dropped into the import directory.
type Importer struct {
	store     *storage.Store
	importDir string
	uploadDir string
	log       *slog.Logger

	mu       sync.Mutex
	imported map[string]bool
	pending  map[string]*time.Timer
	wg       sync.WaitGroup
}

func NewImporter(store *storage.Store, importDir, uploadDir string, log *slog.Logger) *Importer {
	return &Importer{
		store:     store,
		importDir: importDir,
		uploadDir: uploadDir,
		log:       log,
		imported:  make(map[string]bool),
		pending:   make(map[string]*time.Timer),
	}
}

// ImportResult summarizes one imported image.
type ImportResult struct {
	PhotoID int64
	Objects int
}

// ImportFile copies path into the upload directory and registers it along
// with any sidecar metadata. Each path is imported at most once.
func (im *Importer) ImportFile(path string) (ImportResult, error) {
	im.mu.Lock()
	if im.imported[path] {
		im.mu.Unlock()
		return ImportResult{}, nil
	}
	im.imported[path] = true
	im.mu.Unlock()

	registered := false
	defer func() {
		if !registered {
			im.mu.Lock()
			delete(im.imported, path)
			im.mu.Unlock()
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, err
	}
	_, width, height, err := imagesrc.Probe(data)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import %s: %w", path, err)
	}
	sc, err := readSidecar(path)
	if err != nil {
		im.log.Warn("ignoring sidecar", "image", path, "error", err)
		sc = nil
	}

	if err := os.MkdirAll(im.uploadDir, 0o755); err != nil {
		return ImportResult{}, err
	}
	name := fsutil.SanitizeName(filepath.Base(path))
	dest := fsutil.UniquePath(im.uploadDir, name)
	if err := fsutil.CopyFile(path, dest); err != nil {
		return ImportResult{}, err
	}

	photo := storage.Photo{
		UUID:    uuidFromName(filepath.Base(dest)),
		Name:    filepath.Base(dest),
		Width:   &width,
		Height:  &height,
		Type:    "unknown",
		Subtype: "unknown",
	}
	if sc != nil {
		photo.ShotLat, photo.ShotLon = sc.shot()
	}
	if photo.ShotLat == nil || photo.ShotLon == nil {
		photo.ShotLat, photo.ShotLon = exifShot(context.Background(), dest)
	}
	id, err := im.store.InsertPhoto(photo)
	if err != nil {
		os.Remove(dest)
		return ImportResult{}, err
	}
	registered = true

	res := ImportResult{PhotoID: id}
	if sc != nil && len(sc.Issues) > 0 {
		n, err := im.store.InsertDetections(id, sc.objects(id))
		if err != nil {
			return res, err
		}
		res.Objects = n
	}
	im.store.RecordHistory("import", map[string]any{"photo_id": id, "name": photo.Name, "objects": res.Objects})
	im.log.Info("photo imported", "name", photo.Name, "photo_id", id, "objects", res.Objects)
	return res, nil
}

// ImportExisting imports every image already in the import directory, but
// only while the photos table is empty.
func (im *Importer) ImportExisting() (int, error) {
	count, err := im.store.Count()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	files, err := fsutil.ListImages(im.importDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	imported, objects := 0, 0
	for _, f := range files {
		res, err := im.ImportFile(f)
		if err != nil {
			im.log.Warn("import failed", "image", f, "error", err)
			continue
		}
		imported++
		objects += res.Objects
	}
	im.store.RecordHistory("init_import", map[string]any{"imported_photos": imported, "created_objects": objects})
	return imported, nil
}

// Watch imports new images in the import directory until ctx ends.
// Events for a path are coalesced until it has been quiet for a moment.
func (im *Importer) Watch(ctx context.Context) error {
	if err := os.MkdirAll(im.importDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(im.importDir); err != nil {
		watcher.Close()
		return err
	}
	im.log.Info("watching import directory", "dir", im.importDir)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				im.stopPending()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !fsutil.IsImageFile(event.Name) {
					continue
				}
				im.schedule(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				im.log.Warn("import watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (im *Importer) schedule(path string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.imported[path] {
		return
	}
	if t, ok := im.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	im.wg.Add(1)
	im.pending[path] = time.AfterFunc(settleDelay, func() {
		defer im.wg.Done()
		im.mu.Lock()
		delete(im.pending, path)
		im.mu.Unlock()
		if _, err := im.ImportFile(path); err != nil {
			im.log.Warn("import failed", "image", path, "error", err)
		}
	})
}

func (im *Importer) stopPending() {
	im.mu.Lock()
	for path, t := range im.pending {
		if t.Stop() {
			im.wg.Done()
		}
		delete(im.pending, path)
	}
	im.mu.Unlock()
	im.wg.Wait()
}

// uuidFromName reuses a uuid-shaped file stem, otherwise generates one.
func uuidFromName(name string) string {
	if u, err := uuid.Parse(strings.TrimSuffix(name, filepath.Ext(name))); err == nil {
		return u.String()
	}
	return uuid.NewString()
}
