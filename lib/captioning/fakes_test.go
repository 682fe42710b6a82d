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

package captioning

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antflydb/caption/lib/pipelines"
	"github.com/antflydb/caption/lib/wordmap"
)

const (
	tokStart = 0
	tokEnd   = 1
	tokPad   = 2
	tokDog   = 3
	tokRuns  = 4
	vocab    = 5
)

func testWordMap(t *testing.T) *wordmap.WordMap {
	t.Helper()
	m, err := wordmap.Read(strings.NewReader(`{"<start>":0,"<end>":1,"<pad>":2,"dog":3,"runs":4}`))
	require.NoError(t, err)
	return m
}

// probs builds logits whose softmax is approximately the given distribution.
// Tokens not listed get a negligible probability.
func probs(p map[int]float64) []float32 {
	logits := make([]float32, vocab)
	for i := range logits {
		logits[i] = float32(math.Log(1e-9))
	}
	for tok, v := range p {
		logits[tok] = float32(math.Log(v))
	}
	return logits
}

type fakeEncoder struct {
	closed bool
}

func (e *fakeEncoder) Encode(_ context.Context, pixels []float32) (*pipelines.Features, error) {
	if len(pixels) != 3*256*256 {
		return nil, fmt.Errorf("unexpected pixel count %d", len(pixels))
	}
	return testFeatures(), nil
}

func (e *fakeEncoder) Close() error {
	e.closed = true
	return nil
}

func testFeatures() *pipelines.Features {
	return &pipelines.Features{Data: []float32{1, 2, 3, 4}, GridH: 2, GridW: 2, Dim: 1}
}

type fakeState struct {
	rows int
}

func (s *fakeState) Rows() int { return s.rows }

func (s *fakeState) Select(rows []int) (pipelines.State, error) {
	for _, r := range rows {
		if r < 0 || r >= s.rows {
			return nil, fmt.Errorf("row %d out of range", r)
		}
	}
	return &fakeState{rows: len(rows)}, nil
}

// markovDecoder scores the next token from the previous word only.
type markovDecoder struct {
	next      map[int][]float32
	attention bool
	sentinel  bool
	steps     int
	closed    bool
}

func (d *markovDecoder) Init(_ context.Context, _ *pipelines.Features, n int) (pipelines.State, error) {
	return &fakeState{rows: n}, nil
}

func (d *markovDecoder) Step(_ context.Context, f *pipelines.Features, state pipelines.State, prevWords []int) (*pipelines.StepOutput, error) {
	if state.Rows() != len(prevWords) {
		return nil, fmt.Errorf("state has %d rows for %d words", state.Rows(), len(prevWords))
	}
	d.steps++

	out := &pipelines.StepOutput{State: &fakeState{rows: len(prevWords)}}
	for _, w := range prevWords {
		scores, ok := d.next[w]
		if !ok {
			scores = probs(map[int]float64{tokPad: 1})
		}
		out.Scores = append(out.Scores, scores)
		if d.attention {
			alpha := make([]float32, f.Pixels())
			alpha[w%f.Pixels()] = 1
			out.Alphas = append(out.Alphas, alpha)
		}
		if d.sentinel {
			out.Betas = append(out.Betas, 0.25)
		}
	}
	return out, nil
}

func (d *markovDecoder) Close() error {
	d.closed = true
	return nil
}

// dogRunsDecoder always says "dog runs".
func dogRunsDecoder() *markovDecoder {
	return &markovDecoder{next: map[int][]float32{
		tokStart: probs(map[int]float64{tokDog: 0.9, tokRuns: 0.1}),
		tokDog:   probs(map[int]float64{tokRuns: 0.8, tokEnd: 0.2}),
		tokRuns:  probs(map[int]float64{tokEnd: 0.95, tokDog: 0.05}),
	}}
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 20, 10))
}

// historyState keeps, per row, every word fed to the decoder so far.
type historyState struct {
	rows [][]int
}

func (s *historyState) Rows() int { return len(s.rows) }

func (s *historyState) Select(rows []int) (pipelines.State, error) {
	out := &historyState{rows: make([][]int, len(rows))}
	for i, r := range rows {
		if r < 0 || r >= len(s.rows) {
			return nil, fmt.Errorf("row %d out of range", r)
		}
		out.rows[i] = append([]int(nil), s.rows[r]...)
	}
	return out, nil
}

var tokNames = []string{"<start>", "<end>", "<pad>", "dog", "runs"}

func historyKey(tokens []int) string {
	words := make([]string, len(tokens))
	for i, t := range tokens {
		words[i] = tokNames[t]
	}
	return strings.Join(words, " ")
}

// historyDecoder scores from the full history carried in its state, so a
// hypothesis only sees the right distribution if its parent's state row
// followed it. Unknown histories loop on <pad>.
type historyDecoder struct {
	next map[string][]float32
	seen []string
}

func (d *historyDecoder) Init(_ context.Context, _ *pipelines.Features, n int) (pipelines.State, error) {
	return &historyState{rows: make([][]int, n)}, nil
}

func (d *historyDecoder) Step(_ context.Context, _ *pipelines.Features, state pipelines.State, prevWords []int) (*pipelines.StepOutput, error) {
	hs, ok := state.(*historyState)
	if !ok {
		return nil, fmt.Errorf("unexpected state %T", state)
	}
	if hs.Rows() != len(prevWords) {
		return nil, fmt.Errorf("state has %d rows for %d words", hs.Rows(), len(prevWords))
	}

	next := &historyState{rows: make([][]int, len(prevWords))}
	out := &pipelines.StepOutput{State: next}
	for i, w := range prevWords {
		next.rows[i] = append(append([]int(nil), hs.rows[i]...), w)
		key := historyKey(next.rows[i])
		d.seen = append(d.seen, key)
		scores, ok := d.next[key]
		if !ok {
			scores = probs(map[int]float64{tokPad: 1})
		}
		out.Scores = append(out.Scores, scores)
	}
	return out, nil
}

func (d *historyDecoder) Close() error { return nil }
