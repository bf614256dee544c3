package detect

import (
	"context"
	"image"

	"geolocate/internal/geo"
)

// BBox is a pixel-space rectangle inside the source image.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Rect converts the box into an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Area in px².
func (b BBox) Area() int { return b.W * b.H }

// Within reports whether the box lies inside a w×h image.
func (b BBox) Within(w, h int) bool {
	return b.X >= 0 && b.Y >= 0 && b.W >= 0 && b.H >= 0 && b.X+b.W <= w && b.Y+b.H <= h
}

// Detection is one finding on one image.
type Detection struct {
	ID         string   `json:"id"`
	Method     Method   `json:"method"`
	Label      string   `json:"label"`
	BBox       BBox     `json:"bbox"`
	Confidence float64  `json:"confidence"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

// SetLocation stores p, or clears the coordinates when p is nil.
func (d *Detection) SetLocation(p *geo.Point) {
	if p == nil {
		d.Lat, d.Lon = nil, nil
		return
	}
	lat, lon := p.Lat, p.Lon
	d.Lat, d.Lon = &lat, &lon
}

// Input is what every strategy receives.
type Input struct {
	Image *image.NRGBA
	Shot  *geo.Point
	Seed  *int64
}

// Output is what a strategy produces for one image. Masks is only set by
// segmentation strategies.
type Output struct {
	Detections []Detection
	Masks      *Masks
}

// Masks are class regions kept for visual overlay only.
type Masks struct {
	Road  *Mask
	Other *Mask
}

// Strategy is one interchangeable detector.
type Strategy interface {
	Method() Method
	Detect(ctx context.Context, in Input) (Output, error)
}
