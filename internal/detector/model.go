package detector

import (
	"bytes"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// ModelFile is the on-disk form of a fitted detector ensemble, produced by
// the offline training jobs.
type ModelFile struct {
	Method    string      `yaml:"method"`
	Weights   []float64   `yaml:"weights,omitempty"`
	Detectors []ModelSpec `yaml:"detectors"`
}

// ModelSpec describes one fitted detector. Exactly the block matching Kind
// is read.
type ModelSpec struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`

	ZScore          *ZScoreParams          `yaml:"zscore,omitempty"`
	IsolationForest *IsolationForestParams `yaml:"isolation_forest,omitempty"`
	Reconstruction  *ReconstructionParams  `yaml:"reconstruction,omitempty"`
	Graph           *GraphParams           `yaml:"graph,omitempty"`
}

// LoadModelFile reads a YAML or JSON model file and builds its detectors.
func LoadModelFile(path string) (*ModelFile, []Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return ParseModels(data)
}

// ParseModels decodes a model document and builds every detector in it,
// failing on the first invalid one.
func ParseModels(data []byte) (*ModelFile, []Detector, error) {
	var mf ModelFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil {
		return nil, nil, fmt.Errorf("%w: model file: %v", domain.ErrInvalidInput, err)
	}
	if len(mf.Detectors) == 0 {
		return nil, nil, domain.ErrNoDetectors
	}

	dets := make([]Detector, 0, len(mf.Detectors))
	for i, spec := range mf.Detectors {
		d, err := Build(spec)
		if err != nil {
			name := spec.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, nil, &domain.DetectorError{Detector: name, Err: err}
		}
		dets = append(dets, d)
	}
	return &mf, dets, nil
}

// Build constructs a single detector from its spec.
func Build(spec ModelSpec) (Detector, error) {
	name := spec.Name
	if name == "" {
		name = spec.Kind
	}
	missing := fmt.Errorf("%w: %s parameters", domain.ErrMissingField, spec.Kind)
	switch spec.Kind {
	case "zscore":
		if spec.ZScore == nil {
			return nil, missing
		}
		return NewZScore(name, *spec.ZScore)
	case "isolation_forest":
		if spec.IsolationForest == nil {
			return nil, missing
		}
		return NewIsolationForest(name, *spec.IsolationForest)
	case "reconstruction":
		if spec.Reconstruction == nil {
			return nil, missing
		}
		return NewReconstruction(name, *spec.Reconstruction)
	case "graph":
		if spec.Graph == nil {
			return nil, missing
		}
		return NewGraph(name, *spec.Graph)
	default:
		return nil, fmt.Errorf("%w: unknown detector kind %q", domain.ErrInvalidInput, spec.Kind)
	}
}
