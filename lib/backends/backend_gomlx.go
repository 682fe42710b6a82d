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

package backends

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Import Go backend - always available (pure Go, no CGO)
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	// The simplego package registers itself as "go" in the GoMLX registry.
	RegisterBackend(newGomlxBackend(BackendGo, "go"))
}

// gomlxBackend runs .onnx graphs through onnx-gomlx on a GoMLX engine. The
// "go" engine is pure Go and CPU only, so it works in every build and serves
// as the fallback when ONNX Runtime is not compiled in.
type gomlxBackend struct {
	backendType BackendType
	engineType  string

	engineOnce sync.Once
	engine     backends.Backend
	engineErr  error

	availableOnce sync.Once
	available     bool
}

func newGomlxBackend(backendType BackendType, engineType string) *gomlxBackend {
	return &gomlxBackend{backendType: backendType, engineType: engineType}
}

func (b *gomlxBackend) Type() BackendType {
	return b.backendType
}

func (b *gomlxBackend) Name() string {
	return "GoMLX (Go)"
}

func (b *gomlxBackend) Available() bool {
	b.availableOnce.Do(func() {
		_, err := b.getEngine()
		b.available = err == nil
	})
	return b.available
}

// Priority places the pure Go engine after ONNX Runtime.
func (b *gomlxBackend) Priority() int {
	return 100
}

func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

// getEngine creates the engine once, catching panics from engines that fail
// to initialize.
func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.engineOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				b.engine = nil
				b.engineErr = fmt.Errorf("backend %q panicked during initialization: %v", b.engineType, r)
			}
		}()
		b.engine, b.engineErr = backends.NewWithConfig(b.engineType)
	})
	return b.engine, b.engineErr
}

// gomlxSessionFactory creates sessions from ONNX model files using GoMLX.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

// CreateSession loads the graph and its initializers. GPU options are ignored;
// the Go engine always runs on the CPU.
func (f *gomlxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	engine, err := f.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine: %w", err)
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}

	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()

	inputInfo := make([]TensorInfo, len(inputNames))
	for i, name := range inputNames {
		inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}

	outputInfo := make([]TensorInfo, len(outputNames))
	for i, name := range outputNames {
		outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	return &gomlxSession{
		onnxModel:   om,
		ctx:         ctx,
		engine:      engine,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return f.backend.backendType
}

// gomlxSession implements Session for raw tensor I/O using GoMLX.
type gomlxSession struct {
	onnxModel   *onnx.Model
	ctx         *mlctx.Context
	engine      backends.Backend
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onnxModel == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Arguments follow the graph's declared input order.
	args := make([]any, len(s.inputNames))
	for i, name := range s.inputNames {
		input, ok := inputMap[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", name)
		}
		tensor, err := namedTensorToGoMLX(input, s.inputInfo[i].DataType)
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", name, err)
		}
		args[i] = tensor
	}

	graphFn := func(mlCtx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
		inputNodeMap := make(map[string]*graph.Node, len(s.inputNames))
		for i, name := range s.inputNames {
			inputNodeMap[name] = graphInputs[i]
		}
		return s.onnxModel.CallGraph(mlCtx.Reuse(), graphInputs[0].Graph(), inputNodeMap)
	}

	results, err := mlctx.ExecOnceN(s.engine, s.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, len(results))
	for i, result := range results {
		name := ""
		if i < len(s.outputNames) {
			name = s.outputNames[i]
		}
		output, err := gomlxToNamedTensor(result, name)
		if err != nil {
			return nil, fmt.Errorf("converting output tensor %d: %w", i, err)
		}
		outputs[i] = output
	}
	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onnxModel = nil
	s.ctx = nil
	return nil
}

func intsToInt64s(dims []int) []int64 {
	result := make([]int64, len(dims))
	for i, d := range dims {
		result[i] = int64(d)
	}
	return result
}

// gomlxDataType maps GoMLX dtypes onto the element types sessions exchange.
func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int8, dtypes.Int16:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// namedTensorToGoMLX converts a NamedTensor, narrowing or widening integer
// data to the width the graph declares.
func namedTensorToGoMLX(nt NamedTensor, want DataType) (*tensors.Tensor, error) {
	dims := make([]int, len(nt.Shape))
	for i, d := range nt.Shape {
		dims[i] = int(d)
	}

	switch data := nt.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		if want == DataTypeInt32 {
			return tensors.FromFlatDataAndDimensions(convertInts[int64, int32](data), dims...), nil
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		if want == DataTypeInt32 {
			return tensors.FromFlatDataAndDimensions(data, dims...), nil
		}
		return tensors.FromFlatDataAndDimensions(convertInts[int32, int64](data), dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

func convertInts[From, To int32 | int64](data []From) []To {
	out := make([]To, len(data))
	for i, v := range data {
		out[i] = To(v)
	}
	return out
}

// gomlxToNamedTensor copies a GoMLX tensor into a flat NamedTensor.
func gomlxToNamedTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	shape := t.Shape()
	dims := intsToInt64s(shape.Dimensions)

	var data any
	switch shape.DType {
	case dtypes.Float32:
		data = flatten[float32](t.Value())
	case dtypes.Float64:
		data = convertFloats(flatten[float64](t.Value()))
	case dtypes.Int64:
		data = flatten[int64](t.Value())
	case dtypes.Int32:
		data = flatten[int32](t.Value())
	case dtypes.Bool:
		data = flatten[bool](t.Value())
	default:
		return NamedTensor{}, fmt.Errorf("unsupported output dtype %s", shape.DType)
	}
	return NamedTensor{Name: name, Shape: dims, Data: data}, nil
}

func convertFloats(data []float64) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out
}

// flatten turns the nested slices returned by Tensor.Value into a flat slice.
func flatten[T any](val any) []T {
	switch v := val.(type) {
	case T:
		return []T{v}
	case []T:
		return v
	case [][]T:
		var result []T
		for _, row := range v {
			result = append(result, row...)
		}
		return result
	case [][][]T:
		var result []T
		for _, m := range v {
			result = append(result, flatten[T](m)...)
		}
		return result
	case [][][][]T:
		var result []T
		for _, c := range v {
			result = append(result, flatten[T](c)...)
		}
		return result
	default:
		return nil
	}
}
