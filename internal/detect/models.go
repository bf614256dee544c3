package detect

import (
	"fmt"
	"strconv"
)

// Method selects a detection strategy. Zero means auto-select.
type Method int

const (
	MethodAuto      Method = 0
	MethodSynthetic Method = 1
	MethodDNN       Method = 2
	MethodColor     Method = 3
)

func (m Method) String() string {
	if model, ok := LookupModel(m); ok {
		return model.Name
	}
	return strconv.Itoa(int(m))
}

// Kind tells the engine whether a strategy takes part in auto selection.
type Kind string

const (
	KindSimulation   Kind = "simulation"
	KindSegmentation Kind = "segmentation"
)

// Model is one row of the model configuration table.
type Model struct {
	Method      Method `json:"method"`
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
}

var models = [...]Model{
	{MethodAuto, "auto", "", "run every available segmentation model and keep the one with the most detections"},
	{MethodSynthetic, "synthetic", KindSimulation, "seeded pseudo-random boxes, for simulation and fallback"},
	{MethodDNN, "dnn-segmentation", KindSegmentation, "OpenCV DNN semantic segmentation (requires the gocv build tag)"},
	{MethodColor, "color-segmentation", KindSegmentation, "pure-Go HSV heuristic segmentation of roofs, roads and vegetation"},
}

// Models returns a copy of the model configuration table.
func Models() []Model {
	out := make([]Model, len(models))
	copy(out, models[:])
	return out
}

// LookupModel finds the table row for m.
func LookupModel(m Method) (Model, bool) {
	for _, model := range models {
		if model.Method == m {
			return model, true
		}
	}
	return Model{}, false
}

// ParseMethod accepts a method id or a model name.
func ParseMethod(s string) (Method, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := LookupModel(Method(n)); ok {
			return Method(n), nil
		}
		return 0, fmt.Errorf("unknown method %d", n)
	}
	for _, model := range models {
		if model.Name == s {
			return model.Method, nil
		}
	}
	return 0, fmt.Errorf("unknown method %q", s)
}
