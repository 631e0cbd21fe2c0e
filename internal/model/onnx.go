package model

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Brownie44l1/lesion-api/internal/labels"

	ort "github.com/yalue/onnxruntime_go"
)

// The ONNX Runtime environment is process wide. Every runner holds a reference
// and the environment is torn down when the last one closes, and only if this
// package created it.
var (
	envMu    sync.Mutex
	envRefs  int
	envOwned bool

	ortIsInitialized = ort.IsInitialized
	ortInitialize    = func(libPath string) error {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		return ort.InitializeEnvironment()
	}
	ortDestroy = ort.DestroyEnvironment
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		envOwned = false
		if !ortIsInitialized() {
			if err := ortInitialize(libPath); err != nil {
				return fmt.Errorf("failed to initialize ONNX environment: %w", err)
			}
			envOwned = true
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs > 0 || !envOwned {
		return
	}
	envOwned = false
	if err := ortDestroy(); err != nil {
		slog.Error("error destroying ONNX environment", "error", err)
	}
}

// onnxRunner owns a session over the exported checkpoint. Tensors are created
// per call so Run can be used from several goroutines at once.
type onnxRunner struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
	closeOnce   sync.Once
}

func newOnnxRunner(cfg Config, manifest *labels.Manifest) (*onnxRunner, string, error) {
	if err := acquireEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, "", err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		releaseEnvironment()
		return nil, "", fmt.Errorf("failed to read checkpoint graph: %w", err)
	}

	inputName, outputName, err := validateGraph(inputs, outputs, manifest.Model, manifest.Len())
	if err != nil {
		releaseEnvironment()
		return nil, "", err
	}

	session, device, err := openSession(cfg, inputName, outputName)
	if err != nil {
		releaseEnvironment()
		return nil, "", err
	}

	size := int64(manifest.Model.ImageSize)
	return &onnxRunner{
		session:     session,
		inputShape:  ort.NewShape(1, 3, size, size),
		outputShape: ort.NewShape(1, int64(manifest.Len())),
	}, device, nil
}

func devicesFor(device string) ([]string, error) {
	switch device {
	case DeviceAuto, "":
		return []string{DeviceCUDA, DeviceCPU}, nil
	case DeviceCUDA:
		return []string{DeviceCUDA}, nil
	case DeviceCPU:
		return []string{DeviceCPU}, nil
	default:
		return nil, fmt.Errorf("unknown device %q, expected auto, cpu or cuda", device)
	}
}

// openSession binds the session to the first device in preference order that
// the runtime accepts.
func openSession(cfg Config, inputName, outputName string) (*ort.DynamicAdvancedSession, string, error) {
	devices, err := devicesFor(cfg.Device)
	if err != nil {
		return nil, "", err
	}

	var errs []error
	for _, device := range devices {
		session, err := openSessionOn(device, cfg, inputName, outputName)
		if err == nil {
			return session, device, nil
		}
		slog.Warn("unable to create session on device", "device", device, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", device, err))
	}
	return nil, "", fmt.Errorf("failed to create ONNX session: %w", errors.Join(errs...))
}

func openSessionOn(device string, cfg Config, inputName, outputName string) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	if device == DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cuda.Destroy()

		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return nil, fmt.Errorf("failed to configure CUDA: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("CUDA execution provider unavailable: %w", err)
		}
	}

	return ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{inputName}, []string{outputName}, options)
}

func (r *onnxRunner) Run(input []float32) ([]float32, error) {
	inputTensor, err := ort.NewTensor(r.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](r.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := r.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	scores := make([]float32, len(outputTensor.GetData()))
	copy(scores, outputTensor.GetData())
	return scores, nil
}

func (r *onnxRunner) Close() {
	r.closeOnce.Do(func() {
		if r.session != nil {
			r.session.Destroy()
		}
		releaseEnvironment()
	})
}

// validateGraph checks the checkpoint's tensors against the classifier the
// manifest describes: a float [1,3,S,S] image batch in and a float [1,classes]
// score vector out. Batch and spatial dims may be dynamic (-1); the class dim
// may not.
func validateGraph(inputs, outputs []ort.InputOutputInfo, spec labels.ModelSpec, classes int) (string, string, error) {
	in, err := pickTensor(inputs, spec.InputName, "input")
	if err != nil {
		return "", "", err
	}
	out, err := pickTensor(outputs, spec.OutputName, "output")
	if err != nil {
		return "", "", err
	}

	size := int64(spec.ImageSize)
	if len(in.Dimensions) != 4 ||
		!dimMatches(in.Dimensions[0], 1) ||
		!dimMatches(in.Dimensions[1], 3) ||
		!dimMatches(in.Dimensions[2], size) ||
		!dimMatches(in.Dimensions[3], size) {
		return "", "", fmt.Errorf("%w: input %q has shape %v, want [1 3 %d %d]",
			ErrShapeMismatch, in.Name, in.Dimensions, size, size)
	}

	if len(out.Dimensions) != 2 ||
		!dimMatches(out.Dimensions[0], 1) ||
		out.Dimensions[1] != int64(classes) {
		return "", "", fmt.Errorf("%w: output %q has shape %v, want [1 %d]",
			ErrShapeMismatch, out.Name, out.Dimensions, classes)
	}

	return in.Name, out.Name, nil
}

func pickTensor(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	var found *ort.InputOutputInfo
	if name == "" && len(infos) > 0 {
		found = &infos[0]
	}
	for i := range infos {
		if name != "" && infos[i].Name == name {
			found = &infos[i]
			break
		}
	}
	if found == nil {
		if name == "" {
			return ort.InputOutputInfo{}, fmt.Errorf("%w: checkpoint has no %s tensors", ErrShapeMismatch, kind)
		}
		return ort.InputOutputInfo{}, fmt.Errorf("%w: checkpoint has no %s named %q", ErrShapeMismatch, kind, name)
	}

	if found.OrtValueType != ort.ONNXTypeTensor || found.DataType != ort.TensorElementDataTypeFloat {
		return ort.InputOutputInfo{}, fmt.Errorf("%w: %s %q is not a float32 tensor", ErrShapeMismatch, kind, found.Name)
	}
	return *found, nil
}

func dimMatches(got, want int64) bool {
	return got == want || got < 0
}
