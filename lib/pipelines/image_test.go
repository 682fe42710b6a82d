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
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/caption/lib/backends"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 3), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func TestImageProcessorShape(t *testing.T) {
	p := NewImageProcessor(nil)
	assert.Equal(t, backends.Shape{1, 3, 256, 256}, p.Shape())

	pixels, err := p.Process(gradient(40, 17))
	require.NoError(t, err)
	assert.Len(t, pixels, 3*256*256)
}

func TestImageProcessorDeterministic(t *testing.T) {
	p := NewImageProcessor(nil)
	img := gradient(300, 200)

	a, err := p.Process(img)
	require.NoError(t, err)
	b, err := p.Process(img)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestImageProcessorGrayscaleBroadcast(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i % 251)
	}

	cfg := backends.DefaultImageConfig()
	cfg.Width, cfg.Height = 16, 16
	cfg.Mean = [3]float32{0, 0, 0}
	cfg.Std = [3]float32{1, 1, 1}
	p := NewImageProcessor(cfg)

	pixels, err := p.Process(gray)
	require.NoError(t, err)

	plane := 16 * 16
	assert.Equal(t, pixels[:plane], pixels[plane:2*plane])
	assert.Equal(t, pixels[:plane], pixels[2*plane:])
}

func TestImageProcessorNormalization(t *testing.T) {
	white := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range white.Pix {
		white.Pix[i] = 255
	}

	pixels, err := NewImageProcessor(nil).Process(white)
	require.NoError(t, err)

	plane := 256 * 256
	for c := 0; c < 3; c++ {
		want := (1 - backends.ImageNetDefaultMean[c]) / backends.ImageNetDefaultStd[c]
		assert.InDelta(t, want, pixels[c*plane], 0.02)
		assert.InDelta(t, want, pixels[c*plane+plane-1], 0.02)
	}
}

func TestImageProcessorBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(10, 10)))

	p := NewImageProcessor(nil)
	pixels, err := p.ProcessBytes(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, pixels, 3*256*256)

	_, err = p.ProcessBytes([]byte("not an image"))
	assert.ErrorContains(t, err, "decoding image")
}

func TestImageProcessorEmpty(t *testing.T) {
	_, err := NewImageProcessor(nil).Process(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.Error(t, err)
}

func TestImageProcessorTranslucent(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 128}
			if x >= 6 {
				c = color.NRGBA{R: 255, A: 64}
			}
			src.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	cfg := backends.DefaultImageConfig()
	cfg.Width, cfg.Height = 12, 12
	cfg.Mean = [3]float32{0, 0, 0}
	cfg.Std = [3]float32{1, 1, 1}
	pixels, err := NewImageProcessor(cfg).ProcessBytes(buf.Bytes())
	require.NoError(t, err)

	plane := 12 * 12
	at := func(c, x, y int) float32 { return pixels[c*plane+y*12+x] }
	for c := 0; c < 3; c++ {
		assert.InDelta(t, 1.0, at(c, 0, 0), 0.01, "white channel %d", c)
	}
	assert.InDelta(t, 1.0, at(0, 11, 11), 0.01)
	assert.InDelta(t, 0.0, at(1, 11, 11), 0.01)
	assert.InDelta(t, 0.0, at(2, 11, 11), 0.01)
}
