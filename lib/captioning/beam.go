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
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/antflydb/caption/lib/pipelines"
)

// DefaultMaxSteps is the decoding budget of generated tokens per caption.
const DefaultMaxSteps = 50

// ErrEmptyBeam is returned when beam search is asked for zero hypotheses.
var ErrEmptyBeam = errors.New("beam size must be positive")

// BeamConfig configures BeamSearch.
type BeamConfig struct {
	BeamSize   int
	MaxSteps   int
	StartToken int
	EndToken   int
}

// Hypothesis is one beam search candidate.
type Hypothesis struct {
	// Tokens starts with the start token and, when Finished, ends with the end token.
	Tokens []int
	// Score is the cumulative log-probability.
	Score float64
	// Alphas holds one attention distribution per token. The start token gets
	// a grid of ones. Nil when the decoder has no attention.
	Alphas [][]float32
	// Betas holds one sentinel gate per token; the start token gets 1. Nil
	// when the decoder has no sentinel.
	Betas []float32
	// Finished is false when the step budget ran out before any hypothesis
	// emitted the end token.
	Finished bool
}

// candidate is a (row, token) expansion scored during one step.
type candidate struct {
	score float64
	flat  int
}

// BeamSearch decodes the highest scoring token sequence for one image.
//
// Every step expands the live hypotheses over the vocabulary and keeps the
// global top k (row, token) pairs by cumulative log-probability. Equal scores
// are ordered by flat index, row-major, so results are reproducible. A
// hypothesis that emits EndToken is set aside and k shrinks by one. When the
// budget runs out the best finished hypothesis wins, or the best live one if
// none finished.
func BeamSearch(ctx context.Context, dec pipelines.StepDecoder, features *pipelines.Features, cfg BeamConfig) (*Hypothesis, error) {
	if cfg.BeamSize <= 0 {
		return nil, ErrEmptyBeam
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}

	k := cfg.BeamSize
	state, err := dec.Init(ctx, features, k)
	if err != nil {
		return nil, fmt.Errorf("initializing decoder: %w", err)
	}

	live := make([]*Hypothesis, k)
	for i := range live {
		live[i] = &Hypothesis{Tokens: []int{cfg.StartToken}}
	}
	var complete []*Hypothesis

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prevWords := make([]int, len(live))
		for i, h := range live {
			prevWords[i] = h.Tokens[len(h.Tokens)-1]
		}

		out, err := dec.Step(ctx, features, state, prevWords)
		if err != nil {
			return nil, fmt.Errorf("decoder step %d: %w", step, err)
		}
		if err := checkStepOutput(out, len(live)); err != nil {
			return nil, fmt.Errorf("decoder step %d: %w", step, err)
		}

		if step == 1 {
			seedHistory(live, out, features.Pixels())
		}

		// All rows are identical before the first expansion.
		rows := len(live)
		if step == 1 {
			rows = 1
		}
		vocab := len(out.Scores[0])
		best := topK(live[:rows], out.Scores[:rows], k)

		next := make([]*Hypothesis, 0, len(best))
		var keepRows []int
		for _, c := range best {
			row, tok := c.flat/vocab, c.flat%vocab
			h := extend(live[row], row, tok, c.score, out)
			if tok == cfg.EndToken {
				h.Finished = true
				complete = append(complete, h)
				continue
			}
			next = append(next, h)
			keepRows = append(keepRows, row)
		}

		k -= len(best) - len(next)
		live = next
		if k <= 0 || len(live) == 0 || step >= cfg.MaxSteps {
			break
		}

		if state, err = out.State.Select(keepRows); err != nil {
			return nil, fmt.Errorf("reordering decoder state: %w", err)
		}
	}

	pool := complete
	if len(pool) == 0 {
		pool = live
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("beam search produced no hypotheses")
	}
	winner := pool[0]
	for _, h := range pool[1:] {
		if h.Score > winner.Score {
			winner = h
		}
	}
	return winner, nil
}

func checkStepOutput(out *pipelines.StepOutput, rows int) error {
	if len(out.Scores) != rows {
		return fmt.Errorf("got %d score rows for %d hypotheses", len(out.Scores), rows)
	}
	if len(out.Scores[0]) == 0 {
		return fmt.Errorf("empty vocabulary")
	}
	if out.Alphas != nil && len(out.Alphas) != rows {
		return fmt.Errorf("got %d attention rows for %d hypotheses", len(out.Alphas), rows)
	}
	if out.Betas != nil && len(out.Betas) != rows {
		return fmt.Errorf("got %d sentinel gates for %d hypotheses", len(out.Betas), rows)
	}
	return nil
}

// seedHistory gives the start token a uniform grid of ones and a gate of 1,
// once the first step reveals which outputs the decoder produces.
func seedHistory(live []*Hypothesis, out *pipelines.StepOutput, pixels int) {
	for _, h := range live {
		if out.Alphas != nil {
			ones := make([]float32, pixels)
			for i := range ones {
				ones[i] = 1
			}
			h.Alphas = [][]float32{ones}
		}
		if out.Betas != nil {
			h.Betas = []float32{1}
		}
	}
}

// topK scores every (row, token) pair with log_softmax plus the row's
// cumulative score and returns the best k.
func topK(live []*Hypothesis, scores [][]float32, k int) []candidate {
	vocab := len(scores[0])
	cands := make([]candidate, 0, len(live)*vocab)
	logits := make([]float64, vocab)
	for row, h := range live {
		for i, s := range scores[row] {
			logits[i] = float64(s)
		}
		norm := floats.LogSumExp(logits)
		for tok, l := range logits {
			cands = append(cands, candidate{score: h.Score + l - norm, flat: row*vocab + tok})
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].flat < cands[j].flat
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

// extend copies parent and appends tok with its attention bookkeeping.
func extend(parent *Hypothesis, row, tok int, score float64, out *pipelines.StepOutput) *Hypothesis {
	h := &Hypothesis{
		Tokens: append(append(make([]int, 0, len(parent.Tokens)+1), parent.Tokens...), tok),
		Score:  score,
	}
	if parent.Alphas != nil {
		h.Alphas = append(append(make([][]float32, 0, len(parent.Alphas)+1), parent.Alphas...), out.Alphas[row])
	}
	if parent.Betas != nil {
		h.Betas = append(append(make([]float32, 0, len(parent.Betas)+1), parent.Betas...), out.Betas[row])
	}
	return h
}
