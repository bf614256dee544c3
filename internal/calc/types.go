// Package calc implements the detection service: it resolves images, runs
// the detection engine, renders previews and keeps them in the result store.
package calc

import "geolocate/internal/detect"

// ImageRequest is one image inside a detection request.
type ImageRequest struct {
	ImageRef string   `json:"imageRef"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
}

// Request is the body of POST /detect.
type Request struct {
	Method  int            `json:"method"`
	Seed    *int64         `json:"seed,omitempty"`
	Overlay *bool          `json:"overlay,omitempty"`
	Images  []ImageRequest `json:"images"`
}

// DetectionResult is one detection as returned over the wire.
type DetectionResult struct {
	ID         string      `json:"id"`
	Method     int         `json:"method"`
	Label      string      `json:"label"`
	BBox       detect.BBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
	Lat        *float64    `json:"lat,omitempty"`
	Lon        *float64    `json:"lon,omitempty"`
	SingleURL  string      `json:"singleUrl,omitempty"`
}

// ImageResult is the outcome for one requested image. On failure Error and
// ErrorKind are set and there are no detections.
type ImageResult struct {
	ImageRef     string            `json:"imageRef"`
	Method       int               `json:"method"`
	CompositeURL string            `json:"compositeUrl,omitempty"`
	Detections   []DetectionResult `json:"detections"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"errorKind,omitempty"`
}

// Response is the body returned by POST /detect.
type Response struct {
	Results []ImageResult `json:"results"`
}

// DetectionCount is the total number of detections across all images.
func (r Response) DetectionCount() int {
	n := 0
	for _, res := range r.Results {
		n += len(res.Detections)
	}
	return n
}
