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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/caption/lib/backends"
	"github.com/antflydb/caption/lib/pipelines"
)

func TestParseArchitecture(t *testing.T) {
	tests := []struct {
		tag       string
		want      Architecture
		attention bool
		sentinel  bool
	}{
		{tag: "show_tell", want: ShowTell},
		{tag: "att2all", want: Att2All, attention: true},
		{tag: "adaptive_att", want: AdaptiveAtt, attention: true, sentinel: true},
		{tag: "spatial_att", want: SpatialAtt, attention: true, sentinel: true},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			arch, err := ParseArchitecture(tt.tag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, arch)
			assert.Equal(t, tt.tag, arch.String())
			assert.Equal(t, tt.attention, arch.HasAttention())
			assert.Equal(t, tt.sentinel, arch.HasSentinel())
		})
	}

	_, err := ParseArchitecture("unknown_model")
	assert.ErrorIs(t, err, ErrUnsupportedArchitecture)
}

func TestGenerateCaptionShowTell(t *testing.T) {
	words := testWordMap(t)
	c, err := GenerateCaption(context.Background(), &fakeEncoder{}, dogRunsDecoder(), testImage(), words, "show_tell", 1)
	require.NoError(t, err)

	seq, ok := c.(*SequenceCaption)
	require.True(t, ok, "got %T", c)
	assert.Equal(t, []int{0, 3, 4, 1}, seq.Sequence())
	assert.True(t, seq.Complete())
	assert.Nil(t, Alphas(c))
	assert.Nil(t, Betas(c))

	text, err := words.Caption(c.Sequence())
	require.NoError(t, err)
	assert.Equal(t, "dog runs", text)
}

func TestGenerateCaptionUnknownModel(t *testing.T) {
	dec := dogRunsDecoder()
	_, err := GenerateCaption(context.Background(), &fakeEncoder{}, dec, testImage(), testWordMap(t), "unknown_model", 3)
	assert.ErrorIs(t, err, ErrUnsupportedArchitecture)
	assert.Zero(t, dec.steps, "no decoding should run for an unknown tag")
}

func TestGenerateCaptionArity(t *testing.T) {
	words := testWordMap(t)
	for _, tag := range []string{"att2all", "adaptive_att", "spatial_att"} {
		t.Run(tag, func(t *testing.T) {
			dec := dogRunsDecoder()
			dec.attention = true
			dec.sentinel = tag != "att2all"

			c, err := GenerateCaption(context.Background(), &fakeEncoder{}, dec, testImage(), words, tag, 3)
			require.NoError(t, err)

			alphas := Alphas(c)
			require.Len(t, alphas, len(c.Sequence()))
			rows, cols := alphas[0].Dims()
			assert.Equal(t, 2, rows)
			assert.Equal(t, 2, cols)
			assert.Equal(t, 1.0, alphas[0].At(1, 1))

			switch v := c.(type) {
			case *AttentionCaption:
				assert.Equal(t, "att2all", tag)
				assert.Nil(t, Betas(c))
			case *SentinelCaption:
				assert.NotEqual(t, "att2all", tag)
				require.Len(t, v.Betas, len(c.Sequence()))
				assert.Equal(t, 1.0, v.Betas[0])
				for _, b := range v.Betas {
					assert.GreaterOrEqual(t, b, 0.0)
					assert.LessOrEqual(t, b, 1.0)
				}
			default:
				t.Fatalf("unexpected caption type %T", c)
			}
		})
	}
}

func TestGenerateAttentionWithoutAlphas(t *testing.T) {
	_, err := GenerateCaption(context.Background(), &fakeEncoder{}, dogRunsDecoder(), testImage(), testWordMap(t), "att2all", 2)
	assert.ErrorContains(t, err, "attention grids")

	dec := dogRunsDecoder()
	dec.attention = true
	_, err = GenerateCaption(context.Background(), &fakeEncoder{}, dec, testImage(), testWordMap(t), "adaptive_att", 2)
	assert.ErrorContains(t, err, "sentinel gates")
}

func TestGeneratorPartialCaption(t *testing.T) {
	loop := &markovDecoder{next: map[int][]float32{
		tokStart: probs(map[int]float64{tokDog: 1}),
		tokDog:   probs(map[int]float64{tokDog: 1}),
	}}
	g := NewGenerator(ShowTell, nil, &fakeEncoder{}, loop, testWordMap(t), Config{BeamSize: 1, MaxSteps: 5}, zaptest.NewLogger(t))

	c, err := g.Generate(context.Background(), testImage())
	require.NoError(t, err)
	assert.False(t, c.Complete())
	assert.Len(t, c.Sequence(), 6)

	text, err := g.Text(c)
	require.NoError(t, err)
	assert.Equal(t, "dog dog dog dog dog", text)
}

func TestPooledGenerator(t *testing.T) {
	words := testWordMap(t)
	logger := zaptest.NewLogger(t)

	encoders := []*fakeEncoder{{}, {}}
	decoders := []*markovDecoder{dogRunsDecoder(), dogRunsDecoder()}
	generators := []*Generator{
		NewGenerator(ShowTell, nil, encoders[0], decoders[0], words, DefaultConfig(), logger),
		NewGenerator(ShowTell, nil, encoders[1], decoders[1], words, DefaultConfig(), logger),
	}
	pool := NewPooledGeneratorFrom(generators, logger)
	assert.Equal(t, ShowTell, pool.Architecture())

	var wg sync.WaitGroup
	results := make([]*Result, 6)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = pool.Caption(context.Background(), testImage())
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "dog runs", results[i].Text)
		assert.Equal(t, []string{"<start>", "dog", "runs", "<end>"}, results[i].Words)
	}

	require.NoError(t, pool.Close())
	assert.True(t, encoders[0].closed)
	assert.True(t, decoders[1].closed)
}

func TestGeneratorFromModelStepBudget(t *testing.T) {
	loop := func() *markovDecoder {
		return &markovDecoder{next: map[int][]float32{
			tokStart: probs(map[int]float64{tokDog: 1}),
			tokDog:   probs(map[int]float64{tokDog: 1}),
		}}
	}
	model := func() *pipelines.Model {
		return &pipelines.Model{
			Checkpoint: &pipelines.Checkpoint{Config: pipelines.CheckpointConfig{CaptionModel: "show_tell", MaxSteps: 3}},
			Encoder:    &fakeEncoder{},
			Decoder:    loop(),
		}
	}

	g, err := NewGeneratorFromModel(model(), testWordMap(t), Config{BeamSize: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, ShowTell, g.Architecture())
	assert.Equal(t, 3, g.config.MaxSteps)

	c, err := g.Generate(context.Background(), testImage())
	require.NoError(t, err)
	assert.False(t, c.Complete())
	assert.Len(t, c.Sequence(), 4)

	g, err = NewGeneratorFromModel(model(), testWordMap(t), Config{BeamSize: 1, MaxSteps: 5}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 5, g.config.MaxSteps)

	bad := model()
	bad.Checkpoint.Config.CaptionModel = "unknown_model"
	_, err = NewGeneratorFromModel(bad, testWordMap(t), DefaultConfig(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrUnsupportedArchitecture)
}

func TestPooledGeneratorUnknownModel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"caption_model": "unknown_model"}`), 0o600))
	// Empty graphs fail to parse if a session is ever opened.
	for _, name := range []string{"encoder.onnx", "decoder_init.onnx", "decoder_step.onnx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	_, err := NewPooledGenerator(&PooledGeneratorConfig{
		CheckpointDir: dir,
		PoolSize:      2,
		Logger:        zaptest.NewLogger(t),
	}, testWordMap(t), backends.NewSessionManager(backends.DeviceCPU))
	assert.ErrorIs(t, err, ErrUnsupportedArchitecture)
}
