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
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/caption/lib/pipelines"
	"github.com/antflydb/caption/lib/wordmap"
)

// Config holds decoding parameters.
type Config struct {
	// BeamSize is the number of hypotheses kept per step.
	BeamSize int
	// MaxSteps bounds the number of generated tokens (0 = DefaultMaxSteps).
	MaxSteps int
}

// DefaultConfig returns beam size 5 with the default step budget.
func DefaultConfig() Config {
	return Config{BeamSize: 5, MaxSteps: DefaultMaxSteps}
}

// Generator captions images with one encoder and step decoder pair.
// It is not safe for concurrent use; see PooledGenerator.
type Generator struct {
	arch      Architecture
	processor *pipelines.ImageProcessor
	encoder   pipelines.Encoder
	decoder   pipelines.StepDecoder
	words     *wordmap.WordMap
	config    Config
	logger    *zap.Logger
}

// NewGenerator creates a Generator for a known architecture.
func NewGenerator(
	arch Architecture,
	processor *pipelines.ImageProcessor,
	encoder pipelines.Encoder,
	decoder pipelines.StepDecoder,
	words *wordmap.WordMap,
	config Config,
	logger *zap.Logger,
) *Generator {
	if processor == nil {
		processor = pipelines.NewImageProcessor(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		arch:      arch,
		processor: processor,
		encoder:   encoder,
		decoder:   decoder,
		words:     words,
		config:    config,
		logger:    logger,
	}
}

// NewGeneratorFromModel creates a Generator for a loaded checkpoint. The
// checkpoint's caption_model tag selects the architecture and its max_steps
// applies when config.MaxSteps is zero.
func NewGeneratorFromModel(model *pipelines.Model, words *wordmap.WordMap, config Config, logger *zap.Logger) (*Generator, error) {
	arch, err := ParseArchitecture(model.Checkpoint.Config.CaptionModel)
	if err != nil {
		return nil, err
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = model.Checkpoint.Config.MaxSteps
	}
	return NewGenerator(arch, model.Processor, model.Encoder, model.Decoder, words, config, logger), nil
}

// GenerateCaption captions img with the decoder family named by captionModel.
// Unknown tags fail with ErrUnsupportedArchitecture before any inference runs.
func GenerateCaption(
	ctx context.Context,
	encoder pipelines.Encoder,
	decoder pipelines.StepDecoder,
	img image.Image,
	words *wordmap.WordMap,
	captionModel string,
	beamSize int,
) (Caption, error) {
	arch, err := ParseArchitecture(captionModel)
	if err != nil {
		return nil, err
	}
	g := NewGenerator(arch, nil, encoder, decoder, words, Config{BeamSize: beamSize}, nil)
	return g.Generate(ctx, img)
}

// Architecture returns the decoder family.
func (g *Generator) Architecture() Architecture { return g.arch }

// WordMap returns the vocabulary used to decode.
func (g *Generator) WordMap() *wordmap.WordMap { return g.words }

// Generate preprocesses, encodes and decodes one image.
func (g *Generator) Generate(ctx context.Context, img image.Image) (Caption, error) {
	start := time.Now()

	pixels, err := g.processor.Process(img)
	if err != nil {
		return nil, fmt.Errorf("preprocessing image: %w", err)
	}
	features, err := g.encoder.Encode(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}

	caption, err := g.GenerateFromFeatures(ctx, features)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Generated caption",
		zap.Stringer("architecture", g.arch),
		zap.Int("tokens", len(caption.Sequence())),
		zap.Float64("log_prob", caption.LogProb()),
		zap.Bool("complete", caption.Complete()),
		zap.Duration("duration", time.Since(start)))
	return caption, nil
}

// GenerateFromFeatures runs beam search on already encoded features.
func (g *Generator) GenerateFromFeatures(ctx context.Context, features *pipelines.Features) (Caption, error) {
	if err := features.Validate(); err != nil {
		return nil, err
	}
	h, err := BeamSearch(ctx, g.decoder, features, BeamConfig{
		BeamSize:   g.config.BeamSize,
		MaxSteps:   g.config.MaxSteps,
		StartToken: g.words.Start(),
		EndToken:   g.words.End(),
	})
	if err != nil {
		return nil, fmt.Errorf("beam search: %w", err)
	}
	if !h.Finished {
		g.logger.Warn("Step budget exhausted, returning best partial caption",
			zap.Int("max_steps", g.config.MaxSteps),
			zap.Float64("log_prob", h.Score))
	}
	return newCaption(g.arch, h, features.GridH, features.GridW)
}

// Text renders a caption without reserved tokens.
func (g *Generator) Text(c Caption) (string, error) {
	return g.words.Caption(c.Sequence())
}

// Close releases the encoder and decoder.
func (g *Generator) Close() error {
	return errors.Join(g.encoder.Close(), g.decoder.Close())
}
