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

// Package pipelines runs the captioning networks: image preprocessing, the
// convolutional encoder and the single-step recurrent decoder. Beam search in
// the captioning package drives the decoder through the StepDecoder interface.
package pipelines

import (
	"context"
	"fmt"
)

// Features is the encoder output for one image: a GridH x GridW grid of
// Dim-wide feature vectors stored row-major as [GridH*GridW, Dim].
type Features struct {
	Data  []float32
	GridH int
	GridW int
	Dim   int
}

// Pixels returns the number of spatial positions in the grid.
func (f *Features) Pixels() int {
	return f.GridH * f.GridW
}

// Validate checks that Data matches the declared grid.
func (f *Features) Validate() error {
	if f.GridH <= 0 || f.GridW <= 0 || f.Dim <= 0 {
		return fmt.Errorf("invalid feature grid %dx%dx%d", f.GridH, f.GridW, f.Dim)
	}
	if len(f.Data) != f.Pixels()*f.Dim {
		return fmt.Errorf("feature data has %d values, grid %dx%dx%d needs %d",
			len(f.Data), f.GridH, f.GridW, f.Dim, f.Pixels()*f.Dim)
	}
	return nil
}

// Repeat returns the features tiled n times as [n, GridH*GridW, Dim].
func (f *Features) Repeat(n int) []float32 {
	out := make([]float32, 0, n*len(f.Data))
	for i := 0; i < n; i++ {
		out = append(out, f.Data...)
	}
	return out
}

// Encoder maps a preprocessed NCHW image tensor to a feature grid.
type Encoder interface {
	Encode(ctx context.Context, pixels []float32) (*Features, error)
	Close() error
}

// State is the recurrent decoder state for a batch of live hypotheses.
type State interface {
	// Rows returns the batch size the state was built for.
	Rows() int
	// Select gathers the given rows, in order, into a new state.
	Select(rows []int) (State, error)
}

// StepOutput is the result of one decoder step over n live rows.
type StepOutput struct {
	// Scores holds one unnormalized vocabulary distribution per row.
	Scores [][]float32
	// Alphas holds one attention distribution over grid pixels per row.
	// Nil for decoders without attention.
	Alphas [][]float32
	// Betas holds the sentinel gate per row. Nil for decoders without a sentinel.
	Betas []float32
	// State is the updated recurrent state.
	State State
}

// StepDecoder advances a batch of hypotheses one token at a time.
type StepDecoder interface {
	// Init builds the initial state for n rows from the image features.
	Init(ctx context.Context, features *Features, n int) (State, error)
	// Step consumes the previous word of each row and returns scores for the next.
	Step(ctx context.Context, features *Features, state State, prevWords []int) (*StepOutput, error)
	Close() error
}
