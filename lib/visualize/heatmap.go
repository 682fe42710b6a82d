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
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Normalize rescales m to [0,1] in place. A constant grid becomes all zeros.
func Normalize(m *mat.Dense) {
	raw := m.RawMatrix()
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		lo = math.Min(lo, floats.Min(row))
		hi = math.Max(hi, floats.Max(row))
	}
	span := hi - lo
	m.Apply(func(_, _ int, v float64) float64 {
		if span == 0 {
			return 0
		}
		return (v - lo) / span
	}, m)
}

// Upsample resizes a grid to rows x cols with bilinear interpolation. The grid
// is min-max normalized first.
func Upsample(grid *mat.Dense, rows, cols int) *mat.Dense {
	src := mat.DenseCopyOf(grid)
	Normalize(src)

	r, c := src.Dims()
	gray := image.NewGray16(image.Rect(0, 0, c, r))
	for y := 0; y < r; y++ {
		for x := 0; x < c; x++ {
			v := uint16(math.Round(src.At(y, x) * 0xffff))
			i := gray.PixOffset(x, y)
			gray.Pix[i], gray.Pix[i+1] = uint8(v>>8), uint8(v)
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, cols, rows))
	draw.BiLinear.Scale(dst, dst.Rect, gray, gray.Rect, draw.Src, nil)

	out := mat.NewDense(rows, cols, nil)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := dst.PixOffset(x, y)
			out.Set(y, x, float64(uint16(dst.Pix[i])<<8|uint16(dst.Pix[i+1]))/0xffff)
		}
	}
	return out
}

// PyramidExpand upscales a grid by factor with bilinear interpolation and then
// smooths it with a Gaussian of the given sigma.
func PyramidExpand(grid *mat.Dense, factor int, sigma float64) *mat.Dense {
	r, c := grid.Dims()
	out := Upsample(grid, r*factor, c*factor)
	GaussianBlur(out, sigma)
	return out
}

// gaussianKernel returns a normalized 1-D kernel truncated at 4 sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// reflect maps i into [0,n) mirroring about the edges (d c b a | a b c d).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// GaussianBlur applies a separable Gaussian filter to m in place.
func GaussianBlur(m *mat.Dense, sigma float64) {
	if sigma <= 0 {
		return
	}
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2
	rows, cols := m.Dims()

	tmp := mat.NewDense(rows, cols, nil)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			var sum float64
			for k, w := range kernel {
				sum += w * m.At(y, reflect(x+k-radius, cols))
			}
			tmp.Set(y, x, sum)
		}
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			var sum float64
			for k, w := range kernel {
				sum += w * tmp.At(reflect(y+k-radius, rows), x)
			}
			m.Set(y, x, sum)
		}
	}
}
