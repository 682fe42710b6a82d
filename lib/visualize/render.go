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

// Package visualize renders per-word attention maps over the captioned image.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/mat"
)

// Layout defaults.
const (
	DefaultPanelSize = 14 * 24
	DefaultUpscale   = 24
	DefaultSigma     = 8
	DefaultColumns   = 5
	DefaultMaxWords  = 50
	// DefaultOpacity is the heatmap opacity for every word after the first.
	DefaultOpacity = 0.8
)

var (
	white = color.RGBA{255, 255, 255, 255}
	black = color.RGBA{0, 0, 0, 255}
	green = color.RGBA{0, 128, 0, 255}
)

// Options controls rendering.
type Options struct {
	// Smooth upsamples with pyramid expansion instead of a plain resize.
	Smooth    bool
	PanelSize int
	Upscale   int
	Sigma     float64
	Columns   int
	MaxWords  int
	Opacity   float64
	// Margin is the white gap between panels in pixels.
	Margin int
}

// DefaultOptions returns the standard 5-column layout of 336px panels.
func DefaultOptions() Options {
	return Options{
		PanelSize: DefaultPanelSize,
		Upscale:   DefaultUpscale,
		Sigma:     DefaultSigma,
		Columns:   DefaultColumns,
		MaxWords:  DefaultMaxWords,
		Opacity:   DefaultOpacity,
		Margin:    4,
	}
}

// Render draws one panel per word: the resized image with the word's attention
// grid blended on top. The first word's heatmap is fully transparent. When
// betas is non-nil each panel is annotated with 1 - beta.
func Render(img image.Image, words []string, alphas []*mat.Dense, betas []float64, opts Options) (*image.RGBA, error) {
	if opts.PanelSize <= 0 || opts.Columns <= 0 {
		return nil, fmt.Errorf("invalid layout %dpx x %d columns", opts.PanelSize, opts.Columns)
	}
	n := len(words)
	if opts.MaxWords > 0 && n > opts.MaxWords {
		n = opts.MaxWords
	}
	if n == 0 {
		return nil, fmt.Errorf("nothing to render")
	}
	if len(alphas) < n {
		return nil, fmt.Errorf("%d attention grids for %d words", len(alphas), n)
	}
	if betas != nil && len(betas) < n {
		return nil, fmt.Errorf("%d sentinel gates for %d words", len(betas), n)
	}

	size := opts.PanelSize
	base := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(base, base.Rect, img, img.Bounds(), draw.Src, nil)

	cols := opts.Columns
	if n < cols {
		cols = n
	}
	rows := int(math.Ceil(float64(n) / float64(opts.Columns)))
	step := size + opts.Margin
	canvas := image.NewRGBA(image.Rect(0, 0, cols*step-opts.Margin, rows*step-opts.Margin))
	draw.Draw(canvas, canvas.Rect, &image.Uniform{C: white}, image.Point{}, draw.Src)

	for t := 0; t < n; t++ {
		heat := heatmap(alphas[t], opts)
		opacity := opts.Opacity
		if t == 0 {
			opacity = 0
		}

		origin := image.Pt((t%opts.Columns)*step, (t/opts.Columns)*step)
		panel := blend(base, heat, opacity)
		draw.Draw(canvas, panel.Rect.Add(origin), panel, image.Point{}, draw.Src)

		label(canvas, origin.Add(image.Pt(2, 2)), words[t], black)
		if betas != nil {
			text := fmt.Sprintf("%.2f", 1-betas[t])
			width := font.MeasureString(basicfont.Face7x13, text).Ceil()
			label(canvas, origin.Add(image.Pt(size-width-6, 2)), text, green)
		}
	}
	return canvas, nil
}

// heatmap brings an attention grid to panel resolution in [0,1].
func heatmap(grid *mat.Dense, opts Options) *mat.Dense {
	size := opts.PanelSize
	if !opts.Smooth {
		return Upsample(grid, size, size)
	}
	heat := PyramidExpand(grid, opts.Upscale, opts.Sigma)
	if r, c := heat.Dims(); r != size || c != size {
		return Upsample(heat, size, size)
	}
	Normalize(heat)
	return heat
}

// blend overlays heat as a grey colormap (0 black, 1 white) with the given opacity.
func blend(base *image.RGBA, heat *mat.Dense, opacity float64) *image.RGBA {
	out := image.NewRGBA(base.Rect)
	for y := 0; y < base.Rect.Dy(); y++ {
		for x := 0; x < base.Rect.Dx(); x++ {
			grey := heat.At(y, x) * 255
			i := base.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := (1-opacity)*float64(base.Pix[i+c]) + opacity*grey
				out.Pix[i+c] = uint8(math.Round(math.Max(0, math.Min(255, v))))
			}
			out.Pix[i+3] = 255
		}
	}
	return out
}

// label draws text on a white box with its top-left corner at pt.
func label(dst *image.RGBA, pt image.Point, text string, ink color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	box := image.Rect(pt.X, pt.Y, pt.X+width+4, pt.Y+face.Height+2)
	draw.Draw(dst, box.Intersect(dst.Rect), &image.Uniform{C: white}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  &image.Uniform{C: ink},
		Face: face,
		Dot:  fixed.P(pt.X+2, pt.Y+1+face.Ascent),
	}
	d.DrawString(text)
}

// WritePNG encodes the figure as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}

// SavePNG writes the figure to path.
func SavePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path) //nolint:gosec // G304: path is an operator-supplied output file
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return WritePNG(f, img)
}
