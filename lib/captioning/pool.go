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
	"fmt"
	"image"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/caption/lib/backends"
	"github.com/antflydb/caption/lib/pipelines"
	"github.com/antflydb/caption/lib/wordmap"
)

// Captioner produces captions for decoded images.
type Captioner interface {
	Caption(ctx context.Context, img image.Image) (*Result, error)
	Close() error
}

// Result pairs a caption with its rendered text and words.
type Result struct {
	Caption Caption
	// Text is the caption without reserved tokens.
	Text string
	// Words maps every token of the sequence, reserved tokens included.
	Words []string
}

// Ensure PooledGenerator implements the Captioner interface
var _ Captioner = (*PooledGenerator)(nil)

// PooledGenerator manages several generators for concurrent captioning.
// Each request acquires a generator slot via semaphore and then owns one idle
// generator until it is done.
type PooledGenerator struct {
	generators []*Generator
	sem        *semaphore.Weighted
	idle       chan *Generator
	logger     *zap.Logger
	poolSize   int
}

// PooledGeneratorConfig holds configuration for creating a PooledGenerator.
type PooledGeneratorConfig struct {
	// CheckpointDir is the exported checkpoint directory.
	CheckpointDir string

	// PoolSize is the number of concurrent generators (0 = auto-detect from CPU count).
	PoolSize int

	// Decoding holds beam search parameters.
	Decoding Config

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// NewPooledGenerator loads PoolSize copies of the checkpoint.
func NewPooledGenerator(
	cfg *PooledGeneratorConfig,
	words *wordmap.WordMap,
	sessionManager *backends.SessionManager,
) (*PooledGenerator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}

	ckpt, err := pipelines.LoadCheckpoint(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	// Reject unknown tags before creating any session.
	if _, err := ParseArchitecture(ckpt.Config.CaptionModel); err != nil {
		return nil, err
	}

	generators := make([]*Generator, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		model, err := pipelines.LoadModel(ckpt, sessionManager, logger)
		if err != nil {
			for _, g := range generators {
				_ = g.Close()
			}
			return nil, fmt.Errorf("loading model %d: %w", i, err)
		}
		g, err := NewGeneratorFromModel(model, words, cfg.Decoding, logger)
		if err != nil {
			_ = model.Close()
			for _, g := range generators {
				_ = g.Close()
			}
			return nil, err
		}
		generators = append(generators, g)
	}

	logger.Info("Created pooled caption generator",
		zap.Int("poolSize", poolSize),
		zap.String("caption_model", ckpt.Config.CaptionModel))

	return NewPooledGeneratorFrom(generators, logger), nil
}

// NewPooledGeneratorFrom pools already constructed generators.
func NewPooledGeneratorFrom(generators []*Generator, logger *zap.Logger) *PooledGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan *Generator, len(generators))
	for _, g := range generators {
		idle <- g
	}
	return &PooledGenerator{
		generators: generators,
		sem:        semaphore.NewWeighted(int64(len(generators))),
		idle:       idle,
		logger:     logger,
		poolSize:   len(generators),
	}
}

// Architecture returns the decoder family shared by the pool.
func (p *PooledGenerator) Architecture() Architecture {
	return p.generators[0].Architecture()
}

// Caption captions one image on the next free generator.
func (p *PooledGenerator) Caption(ctx context.Context, img image.Image) (*Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring generator slot: %w", err)
	}
	defer p.sem.Release(1)

	// Holding a slot guarantees an idle generator.
	g := <-p.idle
	defer func() { p.idle <- g }()

	caption, err := g.Generate(ctx, img)
	if err != nil {
		return nil, err
	}
	text, err := g.Text(caption)
	if err != nil {
		return nil, err
	}
	words, err := g.WordMap().Words(caption.Sequence())
	if err != nil {
		return nil, err
	}
	return &Result{Caption: caption, Text: text, Words: words}, nil
}

// Close releases every generator.
func (p *PooledGenerator) Close() error {
	p.logger.Info("Closing pooled caption generator", zap.Int("poolSize", p.poolSize))

	var errs []error
	for i, g := range p.generators {
		if err := g.Close(); err != nil {
			p.logger.Warn("Error closing generator",
				zap.Int("index", i),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing generators: %v", errs)
	}
	return nil
}
