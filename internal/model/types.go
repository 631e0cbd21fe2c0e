package model

import "sort"

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Config controls how the checkpoint is loaded and where it runs.
type Config struct {
	ModelPath string
	// SharedLibraryPath points at libonnxruntime; empty uses the runtime default.
	SharedLibraryPath string
	Device            string
	IntraOpThreads    int
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type Prediction struct {
	Class        string             `json:"class"`
	Confidence   float32            `json:"confidence"`
	Predictions  map[string]float32 `json:"predictions"`
	ModelVersion string             `json:"model_version"`

	// codes is the manifest's class order, used to break ties in Ranked.
	codes []string
}

type ClassProbability struct {
	Code        string  `json:"code"`
	Probability float32 `json:"probability"`
}

// Ranked returns every class ordered by probability, highest first. Ties keep
// class index order; a Prediction built outside PredictTensor falls back to
// alphabetical order by code.
func (p *Prediction) Ranked() []ClassProbability {
	codes := p.codes
	if len(codes) != len(p.Predictions) {
		codes = make([]string, 0, len(p.Predictions))
		for code := range p.Predictions {
			codes = append(codes, code)
		}
		sort.Strings(codes)
	}

	ranked := make([]ClassProbability, 0, len(codes))
	for _, code := range codes {
		ranked = append(ranked, ClassProbability{Code: code, Probability: p.Predictions[code]})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Probability > ranked[j].Probability
	})
	return ranked
}
