// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Runtime Requirements:
//   - Set LD_LIBRARY_PATH before running:
//     export LD_LIBRARY_PATH=/path/to/onnxruntime/lib
//   - For CUDA: export LD_LIBRARY_PATH=/path/to/onnxruntime/lib:/usr/local/cuda/lib64
//
// Build Requirements:
//   - CGO must be enabled (CGO_ENABLED=1)
type onnxBackend struct {
	initializedOnce sync.Once
	initErr         error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	return "ONNX Runtime"
}

func (b *onnxBackend) Available() bool {
	// The build tags ensure this file is only included when ONNX is available
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

// SessionFactory returns a SessionFactory for creating raw ONNX sessions.
func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

// initONNX initializes the ONNX Runtime library.
func (b *onnxBackend) initONNX() error {
	b.initializedOnce.Do(func() {
		if libPath := getOnnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, getOnnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// getOnnxLibraryPath returns the directory containing libonnxruntime from environment.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH (or DYLD_LIBRARY_PATH on macOS).
func getOnnxLibraryPath() string {
	platform := runtime.GOOS + "-" + runtime.GOARCH
	libName := getOnnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platformDir := filepath.Join(root, platform, "lib")
		if _, err := os.Stat(filepath.Join(platformDir, libName)); err == nil {
			return platformDir
		}
		directDir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(directDir, libName)); err == nil {
			return directDir
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			ldPath = dyldPath
		}
	}
	if ldPath != "" {
		for _, dir := range filepath.SplitList(ldPath) {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	return ""
}

// getOnnxLibraryName returns the platform-specific library name.
func getOnnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}

	inputNames := make([]string, len(inputs))
	inputInfo := make([]TensorInfo, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
		inputInfo[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}

	outputNames := make([]string, len(outputs))
	outputInfo := make([]TensorInfo, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		outputInfo[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	// GPUModeAuto only reaches here when the caller skipped ResolveDevice; in
	// that case CUDA is attempted and silently dropped if the provider fails.
	if cfg.GPUMode == GPUModeCuda || cfg.GPUMode == GPUModeAuto {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		switch {
		case err != nil && cfg.GPUMode == GPUModeCuda:
			sessionOpts.Destroy()
			return nil, fmt.Errorf("creating CUDA provider options: %w", err)
		case err == nil:
			defer cudaOpts.Destroy()
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil && cfg.GPUMode == GPUModeCuda {
				sessionOpts.Destroy()
				return nil, fmt.Errorf("enabling CUDA execution provider: %w", err)
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

// onnxDataType converts ONNX data type to our DataType.
func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return DataTypeFloat32
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Convert inputs to ONNX tensors in the order expected by the session
	ortInputs := make([]ort.Value, len(s.inputInfo))
	destroyInputs := func() {
		for _, t := range ortInputs {
			if t != nil {
				t.Destroy()
			}
		}
	}
	for i, info := range s.inputInfo {
		input, ok := inputMap[info.Name]
		if !ok {
			destroyInputs()
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input, info.DataType)
		if err != nil {
			destroyInputs()
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = tensor
	}
	defer destroyInputs()

	// nil outputs are allocated by onnxruntime
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			continue
		}
		output, err := extractOrtTensor(ortOutput, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = output
	}

	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// createOrtTensor creates an ORT tensor from a NamedTensor, converting integer
// data to the width the graph declares.
func createOrtTensor(input NamedTensor, want DataType) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)

	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		if want == DataTypeInt32 {
			int32Data := make([]int32, len(data))
			for i, v := range data {
				int32Data[i] = int32(v)
			}
			return ort.NewTensor(shape, int32Data)
		}
		return ort.NewTensor(shape, data)
	case []int32:
		if want == DataTypeInt32 {
			return ort.NewTensor(shape, data)
		}
		int64Data := make([]int64, len(data))
		for i, v := range data {
			int64Data[i] = int64(v)
		}
		return ort.NewTensor(shape, int64Data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// extractOrtTensor extracts a NamedTensor from an ORT tensor.
func extractOrtTensor(ortTensor ort.Value, name string) (NamedTensor, error) {
	shape := ortTensor.GetShape()

	switch t := ortTensor.(type) {
	case *ort.Tensor[float32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]float32(nil), t.GetData()...)}, nil
	case *ort.Tensor[int64]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int64(nil), t.GetData()...)}, nil
	case *ort.Tensor[int32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int32(nil), t.GetData()...)}, nil
	case *ort.Tensor[bool]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]bool(nil), t.GetData()...)}, nil
	}

	return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", ortTensor)
}
