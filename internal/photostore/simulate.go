package photostore

import (
	"math/rand"
	"sync"
	"time"

	"geolocate/internal/geo"
	"geolocate/internal/storage"
)

// SimulatedMessage is returned by every simulated detection.
const SimulatedMessage = "Проанализирована 1 фото, обнаружено 2 дома. Уверенность — 89%."

// Simulated detections scatter around this point.
var simulationCenter = geo.Point{Lat: 55.804111, Lon: 37.749822}

var simulatedBoxes = [][4]int{{10, 10, 120, 120}, {140, 20, 260, 180}}

const (
	simulatedLabel      = "house"
	simulatedConfidence = 0.89
	simulatedJitterM    = 50.0
)

// Simulator produces the canned two-house result for a photo.
type Simulator struct {
	store *storage.Store

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator seeds its own generator; a nil seed uses the clock.
func NewSimulator(store *storage.Store, seed *int64) *Simulator {
	s := time.Now().UnixNano()
	if seed != nil {
		s = *seed
	}
	return &Simulator{store: store, rng: rand.New(rand.NewSource(s))}
}

// Run stores the two simulated objects for photoID. Unknown photos fail
// with a NotFound error.
func (s *Simulator) Run(photoID int64) (SimulateResponse, error) {
	if _, err := s.store.GetPhoto(photoID); err != nil {
		return SimulateResponse{}, err
	}

	objs := make([]storage.DetectedObject, len(simulatedBoxes))
	s.mu.Lock()
	for i, b := range simulatedBoxes {
		p := geo.OffsetMeters(simulationCenter, s.uniform(simulatedJitterM), s.uniform(simulatedJitterM))
		objs[i] = storage.DetectedObject{
			PhotoID:    photoID,
			Label:      simulatedLabel,
			Confidence: simulatedConfidence,
			X1:         b[0],
			Y1:         b[1],
			X2:         b[2],
			Y2:         b[3],
			Latitude:   &p.Lat,
			Longitude:  &p.Lon,
		}
	}
	s.mu.Unlock()

	n, err := s.store.InsertDetections(photoID, objs)
	if err != nil {
		return SimulateResponse{}, err
	}
	s.store.RecordHistory("calc", map[string]any{"photo_id": photoID, "created": n})
	return SimulateResponse{Message: SimulatedMessage, Created: n}, nil
}

// uniform draws from [-m, m].
func (s *Simulator) uniform(m float64) float64 {
	return (s.rng.Float64()*2 - 1) * m
}
