package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv("GEOLOCATE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Detection.MinArea)
	require.InDelta(t, 0.6, cfg.Detection.MinConfidence, 1e-9)
	require.InDelta(t, 0.001, cfg.Detection.BaseOffsetDeg, 1e-12)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"render": {"format": "webp", "quality": 70},
		"timeouts": {"connect": "2s", "read": 15},
		"services": {"calc_url": "http://calc:9000"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("GEOLOCATE_CONFIG", path)
	t.Setenv("GEOLOCATE_PHOTO_URL", "http://photos:5002")
	t.Setenv("GEOLOCATE_WORKERS", "9")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "webp", cfg.Render.Format)
	require.Equal(t, 70, cfg.Render.Quality)
	require.Equal(t, 2*time.Second, cfg.Timeouts.Connect.Duration)
	require.Equal(t, 15*time.Second, cfg.Timeouts.Read.Duration)
	require.Equal(t, "http://calc:9000", cfg.Services.CalcURL)
	require.Equal(t, "http://photos:5002", cfg.Services.PhotoURL)
	require.Equal(t, 9, cfg.Batch.Workers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Render.Format = "gif"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Detection.MinConfidence = 1.5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "postgres"
	require.Error(t, cfg.Validate())
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandUser("~/x/config.json")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "x/config.json"), got)

	got, err = expandUser("/etc/geolocate.json")
	require.NoError(t, err)
	require.Equal(t, "/etc/geolocate.json", got)
}
