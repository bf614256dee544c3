// Package geo converts pixel geometry into coordinates near a shot location.
package geo

import (
	"math"
	"math/rand"
)

// MetersPerDegree approximates one degree of latitude.
const MetersPerDegree = 111320.0

const earthRadiusM = 6371000.0

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewPoint returns nil unless both coordinates are present.
func NewPoint(lat, lon *float64) *Point {
	if lat == nil || lon == nil {
		return nil
	}
	return &Point{Lat: *lat, Lon: *lon}
}

// Projection places segmented objects relative to the shot location.
type Projection struct {
	BaseOffset     float64 // degrees at full scale
	AreaNormalizer float64 // px² at which the scale saturates
}

// DefaultProjection uses 0.001° and 10000 px².
var DefaultProjection = Projection{BaseOffset: 0.001, AreaNormalizer: 10000}

// Project offsets shot by the centroid's normalized position in the image,
// scaled by min(area/AreaNormalizer, 1). It returns nil when shot is nil.
func (p Projection) Project(shot *Point, cx, cy float64, width, height int, area float64) *Point {
	if shot == nil || width <= 0 || height <= 0 {
		return nil
	}
	normalizer := p.AreaNormalizer
	if normalizer <= 0 {
		normalizer = DefaultProjection.AreaNormalizer
	}

	normX := cx/float64(width) - 0.5
	normY := cy/float64(height) - 0.5
	offset := math.Min(area/normalizer, 1.0) * p.BaseOffset

	return &Point{
		Lat: Round(shot.Lat+normY*offset, 6),
		Lon: Round(shot.Lon+normX*offset, 6),
	}
}

// Jitter scatters synthetic detections around the shot location.
type Jitter struct {
	Radius     float64 // meters
	WideRadius float64 // meters; occasional draws land in [Radius, WideRadius]
	WideChance float64
}

// DefaultJitter is 50 m with a 20% chance of 50-100 m.
var DefaultJitter = Jitter{Radius: 50, WideRadius: 100, WideChance: 0.2}

// Apply draws a uniformly distributed point within the jitter radius.
func (j Jitter) Apply(rng *rand.Rand, shot Point) Point {
	var dist float64
	if j.WideRadius > j.Radius && rng.Float64() < j.WideChance {
		dist = j.Radius + rng.Float64()*(j.WideRadius-j.Radius)
	} else {
		dist = j.Radius * math.Sqrt(rng.Float64())
	}
	theta := rng.Float64() * 2 * math.Pi
	p := OffsetMeters(shot, dist*math.Cos(theta), dist*math.Sin(theta))
	return Point{Lat: Round(p.Lat, 6), Lon: Round(p.Lon, 6)}
}

// OffsetMeters moves p north and east by the given distances.
func OffsetMeters(p Point, north, east float64) Point {
	cos := math.Max(math.Cos(p.Lat*math.Pi/180), 1e-6)
	return Point{
		Lat: p.Lat + north/MetersPerDegree,
		Lon: p.Lon + east/(MetersPerDegree*cos),
	}
}

// Haversine returns the great-circle distance in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
