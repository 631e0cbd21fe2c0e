package labels

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

//go:embed lesions.yaml
var defaultManifest []byte

var ErrInvalidManifest = errors.New("invalid label manifest")

// ClassCount is the size of the classifier head every manifest must describe.
const ClassCount = 7

const (
	OutputLogits        = "logits"
	OutputProbabilities = "probabilities"
)

// Lesion is the display metadata shown next to a prediction.
type Lesion struct {
	Code        string `yaml:"code" json:"code"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Risk        string `yaml:"risk" json:"risk"`
	Treatment   string `yaml:"treatment" json:"treatment"`
}

// ModelSpec describes the tensors the checkpoint was exported with.
type ModelSpec struct {
	InputName  string    `yaml:"input_name" json:"input_name"`
	OutputName string    `yaml:"output_name" json:"output_name"`
	ImageSize  int       `yaml:"image_size" json:"image_size"`
	Mean       []float32 `yaml:"mean" json:"mean"`
	Std        []float32 `yaml:"std" json:"std"`
	Output     string    `yaml:"output" json:"output"`
}

// Manifest ties class indices to label codes. The position of a class in
// Classes is the index the model's head emits for it.
type Manifest struct {
	Version string    `yaml:"version" json:"version"`
	Model   ModelSpec `yaml:"model" json:"model"`
	Classes []Lesion  `yaml:"classes" json:"classes"`

	index map[string]int
}

// Default returns the manifest compiled into the binary.
func Default() (*Manifest, error) {
	return Parse(defaultManifest)
}

// Load reads a manifest from path, or the embedded one when path is empty.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read label manifest: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Model.Output == "" {
		m.Model.Output = OutputLogits
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}
	if len(m.Classes) != ClassCount {
		return fmt.Errorf("%w: need %d classes, got %d", ErrInvalidManifest, ClassCount, len(m.Classes))
	}
	if m.Model.ImageSize <= 0 {
		return fmt.Errorf("%w: image_size must be positive", ErrInvalidManifest)
	}
	if len(m.Model.Mean) != 3 || len(m.Model.Std) != 3 {
		return fmt.Errorf("%w: mean and std need one value per RGB channel", ErrInvalidManifest)
	}
	for c, s := range m.Model.Std {
		if s == 0 {
			return fmt.Errorf("%w: std for channel %d is zero", ErrInvalidManifest, c)
		}
	}
	switch m.Model.Output {
	case OutputLogits, OutputProbabilities:
	default:
		return fmt.Errorf("%w: unknown output kind %q", ErrInvalidManifest, m.Model.Output)
	}

	m.index = make(map[string]int, len(m.Classes))
	for i, c := range m.Classes {
		if c.Code == "" {
			return fmt.Errorf("%w: class %d has no code", ErrInvalidManifest, i)
		}
		if prev, ok := m.index[c.Code]; ok {
			return fmt.Errorf("%w: code %q used by classes %d and %d", ErrInvalidManifest, c.Code, prev, i)
		}
		m.index[c.Code] = i
	}
	return nil
}

func (m *Manifest) Len() int {
	return len(m.Classes)
}

// Code returns the label code for class index i.
func (m *Manifest) Code(i int) (string, error) {
	if i < 0 || i >= len(m.Classes) {
		return "", fmt.Errorf("class index %d out of range [0,%d)", i, len(m.Classes))
	}
	return m.Classes[i].Code, nil
}

func (m *Manifest) Index(code string) (int, bool) {
	i, ok := m.index[code]
	return i, ok
}

// Codes returns the label codes in index order.
func (m *Manifest) Codes() []string {
	codes := make([]string, len(m.Classes))
	for i, c := range m.Classes {
		codes[i] = c.Code
	}
	return codes
}

func (m *Manifest) Lesion(code string) (Lesion, bool) {
	i, ok := m.index[code]
	if !ok {
		return Lesion{}, false
	}
	return m.Classes[i], true
}
