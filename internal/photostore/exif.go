package photostore

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"
)

const exifTimeout = 10 * time.Second

// exifShot reads the GPS position embedded in the image at path. It returns
// nil coordinates when exiftool is missing or the image carries no GPS tags.
func exifShot(ctx context.Context, path string) (*float64, *float64) {
	if _, err := exec.LookPath("exiftool"); err != nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, exifTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "exiftool", "-json", "-n", "-GPSLatitude", "-GPSLongitude", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, nil
	}
	return parseExifGPS(out.Bytes())
}

// parseExifGPS extracts numeric GPSLatitude/GPSLongitude from exiftool -json -n
// output. Both must be present and within range.
func parseExifGPS(data []byte) (*float64, *float64) {
	var parsed []map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed) == 0 {
		return nil, nil
	}
	m := parsed[0]
	lat, ok := m["GPSLatitude"].(float64)
	if !ok || lat < -90 || lat > 90 {
		return nil, nil
	}
	lon, ok := m["GPSLongitude"].(float64)
	if !ok || lon < -180 || lon > 180 {
		return nil, nil
	}
	return &lat, &lon
}
