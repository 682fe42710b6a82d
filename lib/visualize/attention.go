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

package visualize

import (
	"image"

	"gonum.org/v1/gonum/mat"

	"github.com/antflydb/caption/lib/wordmap"
)

// VisualizeAttention renders the attention of a decoded sequence, looking up
// every index, reserved tokens included, in the word map.
func VisualizeAttention(img image.Image, seq []int, alphas []*mat.Dense, words *wordmap.WordMap, betas []float64, smooth bool) (*image.RGBA, error) {
	labels, err := words.Words(seq)
	if err != nil {
		return nil, err
	}
	opts := DefaultOptions()
	opts.Smooth = smooth
	return Render(img, labels, alphas, betas, opts)
}
