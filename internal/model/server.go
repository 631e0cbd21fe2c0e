package model

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"

	"github.com/Brownie44l1/lesion-api/internal/imaging"
	"github.com/Brownie44l1/lesion-api/internal/labels"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrShapeMismatch      = errors.New("checkpoint does not match classifier architecture")
	ErrInputSize          = errors.New("input tensor has wrong size")
	ErrInference          = errors.New("inference failed")
)

// runner executes one forward pass over a single-image batch and returns the
// raw scores of the classification head.
type runner interface {
	Run(input []float32) ([]float32, error)
	Close()
}

// Server is the loaded classifier. It is immutable once NewServer returns and
// safe for concurrent use.
type Server struct {
	runner     runner
	normalizer imaging.Normalizer

	Labels *labels.Manifest
	Device string
}

// NewServer loads the checkpoint at cfg.ModelPath and checks that its graph is
// the EfficientNet-B3 classifier with a head sized for the manifest's classes.
// Any failure leaves nothing to serve predictions with.
func NewServer(cfg Config, manifest *labels.Manifest) (*Server, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, cfg.ModelPath)
		}
		return nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}

	r, device, err := newOnnxRunner(cfg, manifest)
	if err != nil {
		return nil, err
	}

	s, err := newServer(r, manifest, device)
	if err != nil {
		r.Close()
		return nil, err
	}

	slog.Info("model loaded",
		"path", cfg.ModelPath,
		"device", device,
		"labels_version", manifest.Version,
		"classes", manifest.Codes())
	return s, nil
}

func newServer(r runner, manifest *labels.Manifest, device string) (*Server, error) {
	normalizer, err := imaging.NewNormalizer(manifest.Model.ImageSize, manifest.Model.Mean, manifest.Model.Std)
	if err != nil {
		return nil, fmt.Errorf("invalid preprocessing settings: %w", err)
	}
	return &Server{
		runner:     r,
		normalizer: normalizer,
		Labels:     manifest,
		Device:     device,
	}, nil
}

// InputSize is the number of float32 values PredictTensor expects.
func (s *Server) InputSize() int {
	return s.normalizer.TensorLen()
}

// PredictTensor runs a preprocessed CHW tensor through the model.
func (s *Server) PredictTensor(input []float32) (*Prediction, error) {
	if want := s.InputSize(); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, want, len(input))
	}

	scores, err := s.runner.Run(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if len(scores) != s.Labels.Len() {
		return nil, fmt.Errorf("%w: model returned %d scores for %d classes", ErrInference, len(scores), s.Labels.Len())
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite score for class %d", ErrInference, i)
		}
	}

	probs := scores
	if s.Labels.Model.Output == labels.OutputLogits {
		probs = softmax(scores)
	} else if err := validateDistribution(probs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	best := argmax(probs)
	class, err := s.Labels.Code(best)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	predictions := make(map[string]float32, len(probs))
	for i, p := range probs {
		predictions[s.Labels.Classes[i].Code] = p
	}

	return &Prediction{
		Class:        class,
		Confidence:   probs[best],
		Predictions:  predictions,
		ModelVersion: s.Labels.Version,
		codes:        s.Labels.Codes(),
	}, nil
}

func (s *Server) PredictImage(img image.Image) (*Prediction, error) {
	return s.PredictTensor(s.normalizer.Tensor(img))
}

// PredictFile decodes the image at path and classifies it.
func (s *Server) PredictFile(path string) (*Prediction, error) {
	img, err := imaging.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return s.PredictImage(img)
}

func (s *Server) Close() {
	if s.runner != nil {
		s.runner.Close()
	}
}
