package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultConfigPath = "~/.config/geolocate/config.json"
	defaultWorkers    = 4
)

// Config holds user-editable settings for all geolocate services.
type Config struct {
	Server    Server    `json:"server"`
	Logging   Logging   `json:"logging"`
	Paths     Paths     `json:"paths"`
	Database  Database  `json:"database"`
	Detection Detection `json:"detection"`
	Render    Render    `json:"render"`
	Services  Services  `json:"services"`
	Timeouts  Timeouts  `json:"timeouts"`
	Batch     Batch     `json:"batch"`
	Results   Results   `json:"results"`
}

// Server holds listen addresses for each service.
type Server struct {
	CalcAddr    string `json:"calc_addr"`
	PhotoAddr   string `json:"photo_addr"`
	GatewayAddr string `json:"gateway_addr"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures on-disk locations.
type Paths struct {
	UploadDir  string `json:"upload_dir"`
	ImportDir  string `json:"import_dir"`
	ResultsDir string `json:"results_dir"`
}

// Database selects the SQLite driver backing the photo store.
type Database struct {
	Driver string `json:"driver"` // "sqlite" (modernc) or "sqlite3" (mattn, cgo)
	Path   string `json:"path"`
}

// Detection holds the tuning values of the detection engine and projector.
type Detection struct {
	MinArea          int           `json:"min_area"`
	MinConfidence    float64       `json:"min_confidence"`
	BaseOffsetDeg    float64       `json:"base_offset_deg"`
	AreaNormalizer   float64       `json:"area_normalizer"`
	JitterMeters     float64       `json:"jitter_m"`
	JitterWideMeters float64       `json:"jitter_wide_m"`
	JitterWideChance float64       `json:"jitter_wide_chance"`
	Models           []ModelConfig `json:"models"`
}

// ModelConfig points the DNN segmentation strategy at model files.
type ModelConfig struct {
	Name      string `json:"name"`
	ModelPath string `json:"model_path"`
	Config    string `json:"config_path"`
	Labels    string `json:"labels_path"`
	InputSize int    `json:"input_size"`
}

// Render controls annotated image output.
type Render struct {
	Format  string `json:"format"` // jpeg, webp
	Quality int    `json:"quality"`
	Overlay bool   `json:"overlay"`
}

// Services holds collaborator base URLs.
type Services struct {
	CalcURL   string `json:"calc_url"`
	PhotoURL  string `json:"photo_url"`
	PublicURL string `json:"public_url"` // base for URLs handed to other services
	Language  string `json:"language"`   // en, ru
}

// Timeouts for outbound calls; connect and read are applied separately.
type Timeouts struct {
	Connect Duration `json:"connect"`
	Read    Duration `json:"read"`
}

// Batch configures the bounded worker pools.
type Batch struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	MaxBytes  int64 `json:"max_image_bytes"`
}

// Results selects the result store backend.
type Results struct {
	Backend string `json:"backend"` // memory, disk
}

// Duration is a time.Duration that reads "5s" style strings from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v) * time.Second
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
// A .env file in the working directory is loaded first; environment
// variables override values from the JSON file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	configPath := os.Getenv("GEOLOCATE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		dec := json.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: Server{
			CalcAddr:    ":5003",
			PhotoAddr:   ":5002",
			GatewayAddr: ":8080",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			UploadDir:  "./uploads",
			ImportDir:  "./install",
			ResultsDir: filepath.Join(os.TempDir(), "geolocate-results"),
		},
		Database: Database{
			Driver: "sqlite",
			Path:   filepath.Join(os.TempDir(), "geolocate.db"),
		},
		Detection: Detection{
			MinArea:          500,
			MinConfidence:    0.6,
			BaseOffsetDeg:    0.001,
			AreaNormalizer:   10000,
			JitterMeters:     50,
			JitterWideMeters: 100,
			JitterWideChance: 0.2,
		},
		Render: Render{
			Format:  "jpeg",
			Quality: 90,
			Overlay: true,
		},
		Services: Services{
			CalcURL:   "http://localhost:5003",
			PhotoURL:  "http://localhost:5002",
			PublicURL: "",
			Language:  "en",
		},
		Timeouts: Timeouts{
			Connect: Duration{5 * time.Second},
			Read:    Duration{60 * time.Second},
		},
		Batch: Batch{
			Workers:   defaultWorkers,
			QueueSize: defaultWorkers * 2,
			MaxBytes:  25 << 20,
		},
		Results: Results{
			Backend: "memory",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Services.CalcURL = getEnv("GEOLOCATE_CALC_URL", cfg.Services.CalcURL)
	cfg.Services.PhotoURL = getEnv("GEOLOCATE_PHOTO_URL", cfg.Services.PhotoURL)
	cfg.Services.PublicURL = getEnv("GEOLOCATE_PUBLIC_URL", cfg.Services.PublicURL)
	cfg.Database.Path = getEnv("GEOLOCATE_DB_PATH", cfg.Database.Path)
	cfg.Logging.Level = getEnv("GEOLOCATE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Server.CalcAddr = getEnv("GEOLOCATE_CALC_ADDR", cfg.Server.CalcAddr)
	cfg.Server.PhotoAddr = getEnv("GEOLOCATE_PHOTO_ADDR", cfg.Server.PhotoAddr)
	cfg.Server.GatewayAddr = getEnv("GEOLOCATE_GATEWAY_ADDR", cfg.Server.GatewayAddr)
	cfg.Batch.Workers = getEnvAsInt("GEOLOCATE_WORKERS", cfg.Batch.Workers)

	if model := os.Getenv("GEOLOCATE_MODEL_PATH"); model != "" {
		cfg.Detection.Models = append(cfg.Detection.Models, ModelConfig{
			Name:      filepath.Base(model),
			ModelPath: model,
			Labels:    getEnv("GEOLOCATE_LABELS_PATH", ""),
			InputSize: 512,
		})
	}
}

// Validate reports the first setting that is out of range.
func (c *Config) Validate() error {
	switch {
	case c.Detection.MinArea < 0:
		return errors.New("detection.min_area must be >= 0")
	case c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1:
		return errors.New("detection.min_confidence must be within [0,1]")
	case c.Detection.AreaNormalizer <= 0:
		return errors.New("detection.area_normalizer must be > 0")
	case c.Detection.JitterWideMeters < c.Detection.JitterMeters:
		return errors.New("detection.jitter_wide_m must be >= detection.jitter_m")
	case c.Render.Quality < 1 || c.Render.Quality > 100:
		return errors.New("render.quality must be within [1,100]")
	case c.Render.Format != "jpeg" && c.Render.Format != "webp":
		return fmt.Errorf("render.format %q not supported", c.Render.Format)
	case c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3":
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	case c.Results.Backend != "memory" && c.Results.Backend != "disk":
		return fmt.Errorf("results.backend %q not supported", c.Results.Backend)
	case c.Timeouts.Connect.Duration <= 0 || c.Timeouts.Read.Duration <= 0:
		return errors.New("timeouts.connect and timeouts.read must be > 0")
	case c.Batch.Workers < 1:
		return errors.New("batch.workers must be >= 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
