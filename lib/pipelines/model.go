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

package pipelines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/caption/lib/backends"
)

// Tensor names used by the exported decoder graphs.
const (
	EncoderOutName = "encoder_out"
	PrevWordsName  = "prev_words"
	ScoresName     = "scores"
	AlphaName      = "alpha"
	BetaName       = "beta"
	nextSuffix     = "_next"
)

// Model is a loaded checkpoint: an encoder plus a step decoder.
type Model struct {
	Checkpoint *Checkpoint
	Processor  *ImageProcessor
	Encoder    Encoder
	Decoder    StepDecoder
}

// LoadModel creates sessions for every graph in the checkpoint using the
// manager's backend and device.
func LoadModel(ckpt *Checkpoint, manager *backends.SessionManager, logger *zap.Logger) (*Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	factory, backendType, err := manager.GetSessionFactoryForModel(nil)
	if err != nil {
		return nil, err
	}
	opts := manager.SessionOptions()

	var sessions []backends.Session
	closeAll := func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}
	open := func(path string) (backends.Session, error) {
		s, err := factory.CreateSession(path, opts...)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("creating session for %s: %w", path, err)
		}
		sessions = append(sessions, s)
		return s, nil
	}

	encSession, err := open(ckpt.EncoderPath)
	if err != nil {
		return nil, err
	}
	initSession, err := open(ckpt.DecoderInitPath)
	if err != nil {
		return nil, err
	}
	stepSession, err := open(ckpt.DecoderStepPath)
	if err != nil {
		return nil, err
	}

	processor := NewImageProcessor(ckpt.ImageConfig())
	model := &Model{
		Checkpoint: ckpt,
		Processor:  processor,
		Encoder:    NewSessionEncoder(encSession, processor.Shape(), ckpt.Config),
		Decoder:    NewSessionDecoder(initSession, stepSession, ckpt.Config.StateNames),
	}

	logger.Info("Loaded captioning model",
		zap.String("dir", ckpt.Dir),
		zap.String("caption_model", ckpt.Config.CaptionModel),
		zap.String("backend", string(backendType)),
		zap.String("device", string(manager.Device())),
		zap.Duration("duration", time.Since(start)))
	return model, nil
}

// Close releases the encoder and decoder sessions.
func (m *Model) Close() error {
	return errors.Join(m.Encoder.Close(), m.Decoder.Close())
}

// SessionEncoder runs the encoder graph.
type SessionEncoder struct {
	session  backends.Session
	shape    backends.Shape
	gridSize int
	dim      int
}

// NewSessionEncoder wraps an encoder session taking a single image tensor.
func NewSessionEncoder(session backends.Session, shape backends.Shape, cfg CheckpointConfig) *SessionEncoder {
	return &SessionEncoder{
		session:  session,
		shape:    shape,
		gridSize: cfg.GridSize,
		dim:      cfg.EncoderDim,
	}
}

// Encode runs the encoder on a [1, 3, H, W] tensor.
func (e *SessionEncoder) Encode(ctx context.Context, pixels []float32) (*Features, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pixels) != e.shape.Elements() {
		return nil, fmt.Errorf("pixel tensor has %d values, expected shape %s", len(pixels), e.shape)
	}

	inputName := "images"
	if info := e.session.InputInfo(); len(info) > 0 {
		inputName = info[0].Name
	}
	outputs, err := e.session.Run([]backends.NamedTensor{
		{Name: inputName, Shape: e.shape, Data: pixels},
	})
	if err != nil {
		return nil, fmt.Errorf("running encoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("encoder returned no outputs")
	}

	out := outputs[0]
	data, err := out.Float32s()
	if err != nil {
		return nil, err
	}

	features := &Features{Data: data, GridH: e.gridSize, GridW: e.gridSize, Dim: e.dim}
	switch len(out.Shape) {
	case 4: // [1, H, W, D]
		features.GridH, features.GridW, features.Dim = int(out.Shape[1]), int(out.Shape[2]), int(out.Shape[3])
	case 3: // [1, P, D] with a square grid
		features.Dim = int(out.Shape[2])
	}
	if err := features.Validate(); err != nil {
		return nil, fmt.Errorf("encoder output %s: %w", backends.Shape(out.Shape), err)
	}
	return features, nil
}

// Close releases the session.
func (e *SessionEncoder) Close() error {
	return e.session.Close()
}

// SessionDecoder runs the exported decoder init and step graphs.
type SessionDecoder struct {
	init       backends.Session
	step       backends.Session
	stateNames []string
}

// NewSessionDecoder wraps the init and step sessions.
func NewSessionDecoder(init, step backends.Session, stateNames []string) *SessionDecoder {
	return &SessionDecoder{init: init, step: step, stateNames: stateNames}
}

func encoderOut(features *Features, n int) backends.NamedTensor {
	return backends.NamedTensor{
		Name:  EncoderOutName,
		Shape: []int64{int64(n), int64(features.Pixels()), int64(features.Dim)},
		Data:  features.Repeat(n),
	}
}

// Init runs the init graph, which maps mean encoder features to the first state.
func (d *SessionDecoder) Init(ctx context.Context, features *Features, n int) (State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outputs, err := d.init.Run([]backends.NamedTensor{encoderOut(features, n)})
	if err != nil {
		return nil, fmt.Errorf("running decoder init: %w", err)
	}

	tensors := make([]backends.NamedTensor, len(d.stateNames))
	for i, name := range d.stateNames {
		t, ok := backends.FindTensor(outputs, name)
		if !ok {
			return nil, fmt.Errorf("decoder init did not produce state %q", name)
		}
		tensors[i] = t
	}
	return NewTensorState(tensors, n)
}

// Step runs one decoder step for len(prevWords) rows.
func (d *SessionDecoder) Step(ctx context.Context, features *Features, state State, prevWords []int) (*StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ts, ok := state.(*TensorState)
	if !ok {
		return nil, fmt.Errorf("unexpected decoder state %T", state)
	}
	n := len(prevWords)
	if ts.Rows() != n {
		return nil, fmt.Errorf("state has %d rows, got %d previous words", ts.Rows(), n)
	}

	inputs := make([]backends.NamedTensor, 0, 2+len(ts.tensors))
	inputs = append(inputs,
		encoderOut(features, n),
		backends.NamedTensor{Name: PrevWordsName, Shape: []int64{int64(n)}, Data: IntToInt64(prevWords)},
	)
	inputs = append(inputs, ts.tensors...)

	outputs, err := d.step.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running decoder step: %w", err)
	}

	out := &StepOutput{}
	scores, ok := backends.FindTensor(outputs, ScoresName)
	if !ok {
		return nil, fmt.Errorf("decoder step did not produce %q", ScoresName)
	}
	if out.Scores, err = splitRows(scores, n); err != nil {
		return nil, err
	}

	if alpha, ok := backends.FindTensor(outputs, AlphaName); ok {
		if out.Alphas, err = splitRows(alpha, n); err != nil {
			return nil, err
		}
		for i, row := range out.Alphas {
			if len(row) != features.Pixels() {
				return nil, fmt.Errorf("alpha row %d has %d weights, grid has %d pixels", i, len(row), features.Pixels())
			}
		}
	}

	if beta, ok := backends.FindTensor(outputs, BetaName); ok {
		data, err := beta.Float32s()
		if err != nil {
			return nil, err
		}
		if len(data) != n {
			return nil, fmt.Errorf("beta has %d values for %d rows", len(data), n)
		}
		out.Betas = data
	}

	next := make([]backends.NamedTensor, len(d.stateNames))
	for i, name := range d.stateNames {
		t, ok := backends.FindTensor(outputs, name+nextSuffix)
		if !ok {
			return nil, fmt.Errorf("decoder step did not produce %q", name+nextSuffix)
		}
		t.Name = name
		next[i] = t
	}
	if out.State, err = NewTensorState(next, n); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases both sessions.
func (d *SessionDecoder) Close() error {
	return errors.Join(d.init.Close(), d.step.Close())
}

// splitRows views a float tensor with a leading batch dimension as n rows.
func splitRows(t backends.NamedTensor, n int) ([][]float32, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	if n == 0 || len(data)%n != 0 {
		return nil, fmt.Errorf("tensor %q with %d values cannot be split into %d rows", t.Name, len(data), n)
	}
	width := len(data) / n
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = data[i*width : (i+1)*width]
	}
	return rows, nil
}

// TensorState holds named float tensors whose first dimension is the row.
type TensorState struct {
	tensors []backends.NamedTensor
	rows    int
}

// NewTensorState validates that every tensor splits evenly into rows.
func NewTensorState(tensors []backends.NamedTensor, rows int) (*TensorState, error) {
	for _, t := range tensors {
		data, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		if rows == 0 || len(data)%rows != 0 {
			return nil, fmt.Errorf("state %q with %d values cannot be split into %d rows", t.Name, len(data), rows)
		}
	}
	return &TensorState{tensors: tensors, rows: rows}, nil
}

// Rows returns the batch size.
func (s *TensorState) Rows() int {
	return s.rows
}

// Tensor returns the named state tensor.
func (s *TensorState) Tensor(name string) (backends.NamedTensor, bool) {
	return backends.FindTensor(s.tensors, name)
}

// Select gathers rows into a new state. Rows may repeat.
func (s *TensorState) Select(rows []int) (State, error) {
	out := make([]backends.NamedTensor, len(s.tensors))
	for i, t := range s.tensors {
		data := t.Data.([]float32)
		width := len(data) / s.rows
		gathered := make([]float32, 0, len(rows)*width)
		for _, r := range rows {
			if r < 0 || r >= s.rows {
				return nil, fmt.Errorf("row %d out of range [0,%d)", r, s.rows)
			}
			gathered = append(gathered, data[r*width:(r+1)*width]...)
		}
		shape := []int64{int64(len(rows)), int64(width)}
		if len(t.Shape) > 1 {
			shape = append([]int64{int64(len(rows))}, t.Shape[1:]...)
		}
		out[i] = backends.NamedTensor{Name: t.Name, Shape: shape, Data: gathered}
	}
	return &TensorState{tensors: out, rows: len(rows)}, nil
}
