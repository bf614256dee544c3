// Package photostore is the HTTP surface of the photo store: photo
// registration and retrieval, detected-object persistence, nearest search
// and the simulated detection used as the gateway's degraded path.
package photostore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"geolocate/internal/apperr"
	"geolocate/internal/detect"
	"geolocate/internal/storage"
)

// Meta is the body of GET /photos/{id}/meta.
type Meta struct {
	ID       int64    `json:"id"`
	UUID     string   `json:"uuid"`
	ImageRef string   `json:"imageRef"`
	ShotLat  *float64 `json:"shotLat,omitempty"`
	ShotLon  *float64 `json:"shotLon,omitempty"`
}

// BBox accepts either {"x","y","w","h"} or an "x,y,w,h" string.
type BBox detect.BBox

func (b *BBox) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseBBox(s)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	}
	var raw detect.BBox
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = BBox(raw)
	return nil
}

// ParseBBox reads "x,y,w,h" with non-negative integers.
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, apperr.Errorf(apperr.KindValidation, "photostore.ParseBBox", "bbox %q: want x,y,w,h", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return BBox{}, apperr.Errorf(apperr.KindValidation, "photostore.ParseBBox", "bbox %q: invalid component %q", s, p)
		}
		v[i] = n
	}
	return BBox{X: v[0], Y: v[1], W: v[2], H: v[3]}, nil
}

// Detection is one object in POST /photos/{id}/detections.
type Detection struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	BBox       BBox     `json:"bbox"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

func (d Detection) validate() error {
	switch {
	case d.BBox.X < 0 || d.BBox.Y < 0 || d.BBox.W < 0 || d.BBox.H < 0:
		return fmt.Errorf("bbox must be non-negative")
	case d.Confidence < 0 || d.Confidence > 1:
		return fmt.Errorf("confidence %v outside [0,1]", d.Confidence)
	case (d.Lat == nil) != (d.Lon == nil):
		return fmt.Errorf("lat and lon must be set together")
	}
	return nil
}

// Object converts d to its stored corner form.
func (d Detection) Object(photoID int64) storage.DetectedObject {
	return storage.DetectedObject{
		PhotoID:    photoID,
		Label:      d.Label,
		Confidence: d.Confidence,
		X1:         d.BBox.X,
		Y1:         d.BBox.Y,
		X2:         d.BBox.X + d.BBox.W,
		Y2:         d.BBox.Y + d.BBox.H,
		Latitude:   d.Lat,
		Longitude:  d.Lon,
	}
}

// InsertRequest is the body of POST /photos/{id}/detections.
type InsertRequest struct {
	Detections []Detection `json:"detections"`
}

// InsertResponse reports how many rows were stored.
type InsertResponse struct {
	Inserted int `json:"inserted"`
}

// SimulateRequest is the body of POST /calc_for_photo.
type SimulateRequest struct {
	PhotoID int64 `json:"photo_id"`
}

// SimulateResponse carries the canned summary of a simulated detection.
type SimulateResponse struct {
	Message string `json:"message"`
	Created int    `json:"created"`
}

// ListResponse is the body of GET /photos.
type ListResponse struct {
	Total  int             `json:"total"`
	Photos []storage.Photo `json:"photos"`
}
