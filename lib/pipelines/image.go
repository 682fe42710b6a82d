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
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"os"

	"github.com/antflydb/caption/lib/backends"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ImageProcessor turns a decoded image into the encoder's input tensor.
type ImageProcessor struct {
	Config *backends.ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *backends.ImageConfig) *ImageProcessor {
	if config == nil {
		config = backends.DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// Shape returns the NCHW shape of a single processed image.
func (p *ImageProcessor) Shape() backends.Shape {
	return backends.Shape{1, int64(p.Config.Channels), int64(p.Config.Height), int64(p.Config.Width)}
}

// DecodeFile reads and decodes an image file.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is an operator-supplied image
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodeReader(f)
}

// DecodeReader decodes an image in any registered format.
func DecodeReader(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// ProcessBytes preprocesses an encoded image.
// Returns pixel values in NCHW format [1, channels, height, width] as a flat slice.
func (p *ImageProcessor) ProcessBytes(data []byte) ([]float32, error) {
	img, err := DecodeReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return p.Process(img)
}

// Process preprocesses a decoded image. Single-channel images are broadcast to
// three identical channels, the result is resized to the configured square
// without keeping the aspect ratio, then rescaled and normalized.
func (p *ImageProcessor) Process(img image.Image) ([]float32, error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("image has no pixels")
	}
	if p.Config.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", p.Config.Channels)
	}
	return p.toTensor(Resize(img, p.Config.Width, p.Config.Height)), nil
}

// Resize scales img to width x height with bicubic (Catmull-Rom)
// interpolation. The result is always opaque RGBA, which broadcasts gray
// sources to three equal channels.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Rect, dropAlpha(img), img.Bounds(), draw.Src, nil)
	return dst
}

// dropAlpha keeps the straight color of every pixel and discards its
// transparency, so translucent pixels are not darkened by premultiplication.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// toTensor converts an RGBA image to a normalized float tensor in NCHW format.
func (p *ImageProcessor) toTensor(img *image.RGBA) []float32 {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	plane := height * width

	pixels := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := img.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c]) * p.Config.RescaleFactor
				pixels[c*plane+y*width+x] = (v - p.Config.Mean[c]) / p.Config.Std[c]
			}
		}
	}
	return pixels
}
