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

// Package captioning generates image captions with beam search over a step
// decoder and returns the architecture-specific attention bookkeeping.
package captioning

import (
	"errors"
	"fmt"
)

// ErrUnsupportedArchitecture is returned for caption_model tags this package
// does not know how to decode.
var ErrUnsupportedArchitecture = errors.New("unsupported caption architecture")

// Architecture identifies a captioning network family.
type Architecture int

const (
	// ShowTell is a plain LSTM decoder without attention.
	ShowTell Architecture = iota + 1
	// Att2All attends over all encoder features at every step.
	Att2All
	// AdaptiveAtt adds a visual sentinel gate to attention.
	AdaptiveAtt
	// SpatialAtt is spatial attention with a sentinel gate.
	SpatialAtt
)

var architectureTags = map[Architecture]string{
	ShowTell:    "show_tell",
	Att2All:     "att2all",
	AdaptiveAtt: "adaptive_att",
	SpatialAtt:  "spatial_att",
}

// ParseArchitecture parses a caption_model tag.
func ParseArchitecture(tag string) (Architecture, error) {
	for arch, t := range architectureTags {
		if t == tag {
			return arch, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (valid: show_tell, att2all, adaptive_att, spatial_att)", ErrUnsupportedArchitecture, tag)
}

func (a Architecture) String() string {
	if tag, ok := architectureTags[a]; ok {
		return tag
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// HasAttention reports whether the decoder emits per-word attention grids.
func (a Architecture) HasAttention() bool {
	return a == Att2All || a.HasSentinel()
}

// HasSentinel reports whether the decoder emits a sentinel gate per word.
func (a Architecture) HasSentinel() bool {
	return a == AdaptiveAtt || a == SpatialAtt
}
