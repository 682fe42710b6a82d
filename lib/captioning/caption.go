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
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Caption is the result of captioning one image. The concrete type depends on
// the architecture: *SequenceCaption, *AttentionCaption or *SentinelCaption.
type Caption interface {
	// Architecture returns the network family that produced the caption.
	Architecture() Architecture
	// Sequence returns the decoded token indices including <start> and <end>.
	Sequence() []int
	// LogProb returns the cumulative log-probability of the sequence.
	LogProb() float64
	// Complete reports whether decoding ended with <end>.
	Complete() bool

	sealed()
}

// SequenceCaption is produced by show_tell decoders.
type SequenceCaption struct {
	Arch     Architecture
	Tokens   []int
	Score    float64
	Finished bool
}

func (c *SequenceCaption) Architecture() Architecture { return c.Arch }
func (c *SequenceCaption) Sequence() []int            { return c.Tokens }
func (c *SequenceCaption) LogProb() float64           { return c.Score }
func (c *SequenceCaption) Complete() bool             { return c.Finished }
func (c *SequenceCaption) sealed()                    {}

// AttentionCaption is produced by att2all decoders.
type AttentionCaption struct {
	SequenceCaption
	// Alphas holds one GridH x GridW attention grid per token.
	Alphas []*mat.Dense
}

// SentinelCaption is produced by adaptive_att and spatial_att decoders.
type SentinelCaption struct {
	AttentionCaption
	// Betas holds one sentinel gate in [0,1] per token.
	Betas []float64
}

// Alphas returns the attention grids of c, or nil for show_tell captions.
func Alphas(c Caption) []*mat.Dense {
	switch v := c.(type) {
	case *AttentionCaption:
		return v.Alphas
	case *SentinelCaption:
		return v.Alphas
	}
	return nil
}

// Betas returns the sentinel gates of c, or nil when the decoder has none.
func Betas(c Caption) []float64 {
	if v, ok := c.(*SentinelCaption); ok {
		return v.Betas
	}
	return nil
}

// newCaption converts a beam search winner into the caption variant for arch.
func newCaption(arch Architecture, h *Hypothesis, gridH, gridW int) (Caption, error) {
	seq := SequenceCaption{Arch: arch, Tokens: h.Tokens, Score: h.Score, Finished: h.Finished}

	switch arch {
	case ShowTell:
		return &seq, nil
	case Att2All, AdaptiveAtt, SpatialAtt:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, arch)
	}

	if len(h.Alphas) != len(h.Tokens) {
		return nil, fmt.Errorf("%s decoder returned %d attention grids for %d tokens", arch, len(h.Alphas), len(h.Tokens))
	}
	grids := make([]*mat.Dense, len(h.Alphas))
	for i, alpha := range h.Alphas {
		if len(alpha) != gridH*gridW {
			return nil, fmt.Errorf("attention grid %d has %d weights, want %dx%d", i, len(alpha), gridH, gridW)
		}
		data := make([]float64, len(alpha))
		for j, v := range alpha {
			data[j] = float64(v)
		}
		grids[i] = mat.NewDense(gridH, gridW, data)
	}
	att := AttentionCaption{SequenceCaption: seq, Alphas: grids}
	if !arch.HasSentinel() {
		return &att, nil
	}

	if len(h.Betas) != len(h.Tokens) {
		return nil, fmt.Errorf("%s decoder returned %d sentinel gates for %d tokens", arch, len(h.Betas), len(h.Tokens))
	}
	betas := make([]float64, len(h.Betas))
	for i, b := range h.Betas {
		if b < 0 || b > 1 {
			return nil, fmt.Errorf("sentinel gate %d is %v, outside [0,1]", i, b)
		}
		betas[i] = float64(b)
	}
	return &SentinelCaption{AttentionCaption: att, Betas: betas}, nil
}
