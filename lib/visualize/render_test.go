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
	"bytes"
	"image"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/antflydb/caption/lib/wordmap"
)

func onesGrid() *mat.Dense {
	data := make([]float64, 14*14)
	for i := range data {
		data[i] = 1
	}
	return mat.NewDense(14, 14, data)
}

func peakGrid(r, c int) *mat.Dense {
	m := mat.NewDense(14, 14, nil)
	m.Set(r, c, 1)
	return m
}

func solid(v uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func sourceImage() image.Image {
	return solid(100)
}

func TestNormalize(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{2, 4, 6, 10})
	Normalize(m)
	assert.Equal(t, []float64{0, 0.25, 0.5, 1}, m.RawMatrix().Data)

	flat := mat.NewDense(2, 2, []float64{3, 3, 3, 3})
	Normalize(flat)
	assert.Equal(t, []float64{0, 0, 0, 0}, flat.RawMatrix().Data)
}

func TestUpsample(t *testing.T) {
	out := Upsample(peakGrid(0, 0), 336, 336)
	r, c := out.Dims()
	assert.Equal(t, 336, r)
	assert.Equal(t, 336, c)
	assert.InDelta(t, 1, out.At(0, 0), 1e-3)
	assert.InDelta(t, 0, out.At(335, 335), 1e-3)
}

func TestPyramidExpand(t *testing.T) {
	out := PyramidExpand(peakGrid(7, 7), 24, 8)
	r, c := out.Dims()
	assert.Equal(t, 14*24, r)
	assert.Equal(t, 14*24, c)

	// Smoothing spreads the peak and keeps it centered.
	center := out.At(7*24+12, 7*24+12)
	assert.Greater(t, center, out.At(0, 0))
	assert.Greater(t, out.At(7*24+12, 7*24-12), 0.0)
}

func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(8)
	assert.Len(t, k, 65)
	var sum float64
	for _, v := range k {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Equal(t, k[0], k[len(k)-1])
}

func TestReflect(t *testing.T) {
	assert.Equal(t, 0, reflect(-1, 4))
	assert.Equal(t, 1, reflect(-2, 4))
	assert.Equal(t, 3, reflect(4, 4))
	assert.Equal(t, 2, reflect(5, 4))
	assert.Equal(t, 0, reflect(7, 1))
}

func TestRenderLayout(t *testing.T) {
	words := []string{"<start>", "a", "dog", "runs", "on", "grass", "<end>"}
	alphas := make([]*mat.Dense, len(words))
	alphas[0] = onesGrid()
	for i := 1; i < len(words); i++ {
		alphas[i] = peakGrid(i, i)
	}

	opts := DefaultOptions()
	fig, err := Render(sourceImage(), words, alphas, nil, opts)
	require.NoError(t, err)

	step := DefaultPanelSize + opts.Margin
	assert.Equal(t, 5*step-opts.Margin, fig.Rect.Dx())
	assert.Equal(t, 2*step-opts.Margin, fig.Rect.Dy())

	// The first panel shows the image untouched below the label.
	mid := fig.RGBAAt(DefaultPanelSize/2, DefaultPanelSize/2)
	assert.InDelta(t, 100, int(mid.R), 1)
	assert.Equal(t, mid.R, mid.G)
	// Later panels are darkened where attention is zero.
	dark := fig.RGBAAt(step+DefaultPanelSize-5, DefaultPanelSize-5)
	assert.Less(t, dark.R, uint8(100))
}

func TestRenderSmoothWithGates(t *testing.T) {
	words := []string{"<start>", "dog", "<end>"}
	alphas := []*mat.Dense{onesGrid(), peakGrid(3, 3), peakGrid(10, 10)}
	betas := []float64{1, 0.25, 0.5}

	opts := DefaultOptions()
	opts.Smooth = true
	fig, err := Render(solid(255), words, alphas, betas, opts)
	require.NoError(t, err)
	assert.Equal(t, 3*(DefaultPanelSize+opts.Margin)-opts.Margin, fig.Rect.Dx())
	assert.Equal(t, DefaultPanelSize, fig.Rect.Dy())

	// Gate annotation is drawn in green somewhere in the top-right corner.
	found := false
	for y := 0; y < 16 && !found; y++ {
		for x := DefaultPanelSize - 40; x < DefaultPanelSize; x++ {
			if c := fig.RGBAAt(x, y); c.G > c.R && c.G > c.B {
				found = true
				break
			}
		}
	}
	assert.True(t, found, "expected green gate annotation")
}

func TestRenderCapsWords(t *testing.T) {
	n := 60
	words := make([]string, n)
	alphas := make([]*mat.Dense, n)
	for i := range words {
		words[i] = "w"
		alphas[i] = onesGrid()
	}
	opts := DefaultOptions()
	opts.PanelSize = 28
	fig, err := Render(sourceImage(), words, alphas, nil, opts)
	require.NoError(t, err)

	step := opts.PanelSize + opts.Margin
	assert.Equal(t, 10*step-opts.Margin, fig.Rect.Dy(), "50 words fill 10 rows")
}

func TestRenderErrors(t *testing.T) {
	_, err := Render(sourceImage(), nil, nil, nil, DefaultOptions())
	assert.Error(t, err)

	_, err = Render(sourceImage(), []string{"a", "b"}, []*mat.Dense{onesGrid()}, nil, DefaultOptions())
	assert.ErrorContains(t, err, "attention grids")

	_, err = Render(sourceImage(), []string{"a"}, []*mat.Dense{onesGrid()}, []float64{}, DefaultOptions())
	assert.ErrorContains(t, err, "sentinel gates")
}

func TestSavePNG(t *testing.T) {
	fig, err := Render(sourceImage(), []string{"a"}, []*mat.Dense{onesGrid()}, nil, DefaultOptions())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "attention.png")
	require.NoError(t, SavePNG(path, fig))

	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, fig))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, fig.Rect, decoded.Bounds())
}

func TestVisualizeAttention(t *testing.T) {
	words, err := wordmap.New(map[string]int{"<start>": 0, "<end>": 1, "<pad>": 2, "dog": 3})
	require.NoError(t, err)
	alphas := []*mat.Dense{onesGrid(), peakGrid(2, 2), peakGrid(4, 4)}

	fig, err := VisualizeAttention(sourceImage(), []int{0, 3, 1}, alphas, words, nil, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultPanelSize, fig.Rect.Dy())

	_, err = VisualizeAttention(sourceImage(), []int{0, 9, 1}, alphas, words, nil, false)
	assert.ErrorIs(t, err, wordmap.ErrUnknownIndex)
}
