package geo

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProjectCenterIsIdentity(t *testing.T) {
	shot := &Point{Lat: 55.804111, Lon: 37.749822}
	for _, area := range []float64{0, 500, 25000} {
		got := DefaultProjection.Project(shot, 400, 300, 800, 600, area)
		require.NotNil(t, got)
		require.Equal(t, *shot, *got)
	}
}

func TestProjectWithoutShotReturnsNil(t *testing.T) {
	require.Nil(t, DefaultProjection.Project(nil, 10, 10, 100, 100, 400))
	require.Nil(t, NewPoint(nil, new(float64)))
}

func TestProjectScalesWithAreaAndCaps(t *testing.T) {
	shot := &Point{Lat: 55, Lon: 37}

	// centroid at the right edge, bottom edge: norm = +0.5 on both axes
	half := DefaultProjection.Project(shot, 800, 600, 800, 600, 5000)
	require.InDelta(t, 55.00025, half.Lat, 1e-9)
	require.InDelta(t, 37.00025, half.Lon, 1e-9)

	capped := DefaultProjection.Project(shot, 800, 600, 800, 600, 1e6)
	require.InDelta(t, 55.0005, capped.Lat, 1e-9)

	left := DefaultProjection.Project(shot, 0, 300, 800, 600, 10000)
	require.InDelta(t, 36.9995, left.Lon, 1e-9)
	require.InDelta(t, 55.0, left.Lat, 1e-9)
}

func TestJitterStaysWithinWideRadius(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	shot := Point{Lat: 55.804111, Lon: 37.749822}
	for i := 0; i < 500; i++ {
		p := DefaultJitter.Apply(rng, shot)
		require.LessOrEqual(t, Haversine(shot, p), 100.5)
	}
}

func TestJitterDeterministicForSeed(t *testing.T) {
	shot := Point{Lat: 10, Lon: 20}
	a := DefaultJitter.Apply(rand.New(rand.NewSource(1)), shot)
	b := DefaultJitter.Apply(rand.New(rand.NewSource(1)), shot)
	require.Equal(t, a, b)
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.2 km on the haversine sphere
	d := Haversine(Point{Lat: 0, Lon: 0}, Point{Lat: 1, Lon: 0})
	require.InDelta(t, 111195, d, 50)
	require.Zero(t, Haversine(Point{Lat: 5, Lon: 5}, Point{Lat: 5, Lon: 5}))
}
