package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"geolocate/internal/apperr"
	"geolocate/internal/geo"

	_ "modernc.org/sqlite"
)

// DefaultDriver is the pure-Go SQLite driver; "sqlite3" is available in cgo builds.
const DefaultDriver = "sqlite"

// Store wraps SQLite-backed persistence for photos, detected objects and history.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under concurrent inserts.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS photos (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            uuid TEXT NOT NULL UNIQUE,
            name TEXT NOT NULL,
            width INTEGER,
            height INTEGER,
            type TEXT,
            subtype TEXT,
            shot_lat REAL,
            shot_lon REAL,
            created TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS detected_objects (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            photo_id INTEGER NOT NULL REFERENCES photos(id) ON DELETE CASCADE,
            label TEXT NOT NULL DEFAULT 'object',
            confidence REAL DEFAULT 0.0,
            x1 INTEGER, y1 INTEGER, x2 INTEGER, y2 INTEGER,
            latitude REAL,
            longitude REAL,
            created TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event TEXT NOT NULL,
            payload TEXT,
            created TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_detected_objects_photo_id ON detected_objects(photo_id);`,
		`CREATE INDEX IF NOT EXISTS idx_history_event ON history(event);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Photo is one registered image.
type Photo struct {
	ID      int64     `json:"id"`
	UUID    string    `json:"uuid"`
	Name    string    `json:"name"`
	Width   *int      `json:"width"`
	Height  *int      `json:"height"`
	Type    string    `json:"type"`
	Subtype string    `json:"subtype"`
	ShotLat *float64  `json:"shot_lat"`
	ShotLon *float64  `json:"shot_lon"`
	Created time.Time `json:"created"`
}

// Shot returns the shot location, or nil when either coordinate is unknown.
func (p Photo) Shot() *geo.Point {
	return geo.NewPoint(p.ShotLat, p.ShotLon)
}

// DetectedObject is one persisted detection. Boxes are stored as corners.
type DetectedObject struct {
	ID         int64     `json:"id"`
	PhotoID    int64     `json:"photo_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	X1         int       `json:"x1"`
	Y1         int       `json:"y1"`
	X2         int       `json:"x2"`
	Y2         int       `json:"y2"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	Created    time.Time `json:"created"`
}

// NearbyPhoto is a search hit with its distance to the query point.
type NearbyPhoto struct {
	ID      int64   `json:"id"`
	UUID    string  `json:"uuid"`
	Name    string  `json:"name"`
	DistM   float64 `json:"dist_m"`
	ShotLat float64 `json:"shot_lat"`
	ShotLon float64 `json:"shot_lon"`
}

const photoColumns = `id, uuid, name, width, height, type, subtype, shot_lat, shot_lon, created`

type scanner interface {
	Scan(dest ...any) error
}

func scanPhoto(row scanner) (Photo, error) {
	var (
		p             Photo
		width, height sql.NullInt64
		typ, subtype  sql.NullString
		lat, lon      sql.NullFloat64
	)
	if err := row.Scan(&p.ID, &p.UUID, &p.Name, &width, &height, &typ, &subtype, &lat, &lon, &p.Created); err != nil {
		return Photo{}, err
	}
	if width.Valid {
		w := int(width.Int64)
		p.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		p.Height = &h
	}
	p.Type, p.Subtype = typ.String, subtype.String
	if lat.Valid {
		p.ShotLat = &lat.Float64
	}
	if lon.Valid {
		p.ShotLon = &lon.Float64
	}
	return p, nil
}

// InsertPhoto registers a photo and returns its id.
func (s *Store) InsertPhoto(p Photo) (int64, error) {
	res, err := s.DB.Exec(`INSERT INTO photos (uuid, name, width, height, type, subtype, shot_lat, shot_lon) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		p.UUID, p.Name, p.Width, p.Height, p.Type, p.Subtype, p.ShotLat, p.ShotLon)
	if err != nil {
		return 0, apperr.E(apperr.KindPersistence, "storage.InsertPhoto", err)
	}
	return res.LastInsertId()
}

// GetPhoto fetches a photo by numeric id.
func (s *Store) GetPhoto(id int64) (Photo, error) {
	p, err := scanPhoto(s.DB.QueryRow(`SELECT `+photoColumns+` FROM photos WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Photo{}, apperr.Errorf(apperr.KindNotFound, "storage.GetPhoto", "photo %d not found", id)
	}
	if err != nil {
		return Photo{}, apperr.E(apperr.KindPersistence, "storage.GetPhoto", err)
	}
	return p, nil
}

// GetPhotoByUUID fetches a photo by its public uuid.
func (s *Store) GetPhotoByUUID(uid string) (Photo, error) {
	p, err := scanPhoto(s.DB.QueryRow(`SELECT `+photoColumns+` FROM photos WHERE uuid=?;`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return Photo{}, apperr.Errorf(apperr.KindNotFound, "storage.GetPhotoByUUID", "photo %s not found", uid)
	}
	if err != nil {
		return Photo{}, apperr.E(apperr.KindPersistence, "storage.GetPhotoByUUID", err)
	}
	return p, nil
}

// ListPhotos returns a page of photos, newest first, with the total count.
func (s *Store) ListPhotos(limit, offset int) ([]Photo, int, error) {
	total, err := s.Count()
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(`SELECT `+photoColumns+` FROM photos ORDER BY id DESC LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, 0, apperr.E(apperr.KindPersistence, "storage.ListPhotos", err)
	}
	defer rows.Close()

	photos := []Photo{}
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, 0, apperr.E(apperr.KindPersistence, "storage.ListPhotos", err)
		}
		photos = append(photos, p)
	}
	return photos, total, rows.Err()
}

// Count returns the number of registered photos.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM photos;`).Scan(&n); err != nil {
		return 0, apperr.E(apperr.KindPersistence, "storage.Count", err)
	}
	return n, nil
}

// InsertDetections stores objects for photoID in one transaction and
// returns how many rows were written.
func (s *Store) InsertDetections(photoID int64, objs []DetectedObject) (int, error) {
	if _, err := s.GetPhoto(photoID); err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return 0, apperr.E(apperr.KindPersistence, "storage.InsertDetections", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO detected_objects (photo_id, label, confidence, x1, y1, x2, y2, latitude, longitude) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return 0, apperr.E(apperr.KindPersistence, "storage.InsertDetections", err)
	}
	defer stmt.Close()

	for _, o := range objs {
		label := o.Label
		if label == "" {
			label = "object"
		}
		if _, err := stmt.Exec(photoID, label, o.Confidence, o.X1, o.Y1, o.X2, o.Y2, o.Latitude, o.Longitude); err != nil {
			return 0, apperr.E(apperr.KindPersistence, "storage.InsertDetections", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.E(apperr.KindPersistence, "storage.InsertDetections", err)
	}
	return len(objs), nil
}

// ListDetections returns objects for photoID, or every object when photoID is 0.
func (s *Store) ListDetections(photoID int64, limit int) ([]DetectedObject, error) {
	query := `SELECT id, photo_id, label, confidence, x1, y1, x2, y2, latitude, longitude, created FROM detected_objects`
	args := []any{}
	if photoID > 0 {
		query += ` WHERE photo_id=?`
		args = append(args, photoID)
	}
	query += ` ORDER BY id LIMIT ?;`
	args = append(args, limit)

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, apperr.E(apperr.KindPersistence, "storage.ListDetections", err)
	}
	defer rows.Close()

	objs := []DetectedObject{}
	for rows.Next() {
		var (
			o        DetectedObject
			conf     sql.NullFloat64
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&o.ID, &o.PhotoID, &o.Label, &conf, &o.X1, &o.Y1, &o.X2, &o.Y2, &lat, &lon, &o.Created); err != nil {
			return nil, apperr.E(apperr.KindPersistence, "storage.ListDetections", err)
		}
		o.Confidence = conf.Float64
		if lat.Valid {
			o.Latitude = &lat.Float64
		}
		if lon.Valid {
			o.Longitude = &lon.Float64
		}
		objs = append(objs, o)
	}
	return objs, rows.Err()
}

// SearchNearest returns up to limit photos with a shot location, closest to p first.
func (s *Store) SearchNearest(p geo.Point, limit int) ([]NearbyPhoto, error) {
	rows, err := s.DB.Query(`SELECT id, uuid, name, shot_lat, shot_lon FROM photos WHERE shot_lat IS NOT NULL AND shot_lon IS NOT NULL;`)
	if err != nil {
		return nil, apperr.E(apperr.KindPersistence, "storage.SearchNearest", err)
	}
	defer rows.Close()

	items := []NearbyPhoto{}
	for rows.Next() {
		var n NearbyPhoto
		if err := rows.Scan(&n.ID, &n.UUID, &n.Name, &n.ShotLat, &n.ShotLon); err != nil {
			return nil, apperr.E(apperr.KindPersistence, "storage.SearchNearest", err)
		}
		n.DistM = geo.Haversine(p, geo.Point{Lat: n.ShotLat, Lon: n.ShotLon})
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.KindPersistence, "storage.SearchNearest", err)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].DistM < items[j].DistM })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// RecordHistory appends an event to the history log.
func (s *Store) RecordHistory(event string, payload map[string]any) error {
	if s == nil {
		return nil
	}
	data, _ := json.Marshal(payload)
	_, err := s.DB.Exec(`INSERT INTO history (event, payload) VALUES (?, ?);`, event, string(data))
	return err
}

// HistoryEntry is one row of the history log.
type HistoryEntry struct {
	ID      int64          `json:"id"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Created time.Time      `json:"created"`
}

// RecentHistory returns the latest history entries up to limit.
func (s *Store) RecentHistory(limit int) ([]HistoryEntry, error) {
	rows, err := s.DB.Query(`SELECT id, event, payload, created FROM history ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e       HistoryEntry
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Event, &payload, &e.Created); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal history payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
