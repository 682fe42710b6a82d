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
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic/decoder"

	"github.com/antflydb/caption/lib/backends"
)

// Default checkpoint values for show-attend-tell models.
const (
	DefaultEncoderDim = 2048
	DefaultGridSize   = 14
	DefaultImageSize  = 256
	DefaultMaxSteps   = 50
)

// DefaultStateNames are the LSTM hidden and cell state tensors.
var DefaultStateNames = []string{"h", "c"}

// CheckpointConfig mirrors the checkpoint's config.json.
type CheckpointConfig struct {
	// CaptionModel is the architecture tag, e.g. "att2all".
	CaptionModel string `json:"caption_model"`
	EncoderDim   int    `json:"encoder_dim"`
	// GridSize is the side of the square encoder feature grid.
	GridSize  int `json:"grid_size"`
	ImageSize int `json:"image_size"`
	MaxSteps  int `json:"max_steps"`
	// StateNames lists the recurrent state tensors passed between steps.
	StateNames []string `json:"state_names"`
}

// Checkpoint locates the exported graphs of a trained captioning model.
type Checkpoint struct {
	Dir             string
	Config          CheckpointConfig
	EncoderPath     string
	DecoderInitPath string
	DecoderStepPath string
}

// LoadCheckpoint reads config.json from dir and resolves the ONNX graphs.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	cfg, err := loadCheckpointConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint config: %w", err)
	}

	ckpt := &Checkpoint{
		Dir:             dir,
		Config:          *cfg,
		EncoderPath:     FindONNXFile(dir, []string{"encoder.onnx", "encoder_model.onnx"}),
		DecoderInitPath: FindONNXFile(dir, []string{"decoder_init.onnx"}),
		DecoderStepPath: FindONNXFile(dir, []string{"decoder_step.onnx", "decoder.onnx"}),
	}

	switch {
	case ckpt.EncoderPath == "":
		return nil, fmt.Errorf("no encoder graph in %s", dir)
	case ckpt.DecoderInitPath == "":
		return nil, fmt.Errorf("no decoder init graph in %s", dir)
	case ckpt.DecoderStepPath == "":
		return nil, fmt.Errorf("no decoder step graph in %s", dir)
	}
	return ckpt, nil
}

func loadCheckpointConfig(path string) (*CheckpointConfig, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is inside the configured checkpoint directory
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var cfg CheckpointConfig
	if err := decoder.NewStreamDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.CaptionModel == "" {
		return nil, fmt.Errorf("%s: caption_model is required", path)
	}

	cfg.EncoderDim = FirstNonZero(cfg.EncoderDim, DefaultEncoderDim)
	cfg.GridSize = FirstNonZero(cfg.GridSize, DefaultGridSize)
	cfg.ImageSize = FirstNonZero(cfg.ImageSize, DefaultImageSize)
	cfg.MaxSteps = FirstNonZero(cfg.MaxSteps, DefaultMaxSteps)
	if len(cfg.StateNames) == 0 {
		cfg.StateNames = append([]string(nil), DefaultStateNames...)
	}
	return &cfg, nil
}

// ImageConfig returns the preprocessing the encoder was trained with.
func (c *Checkpoint) ImageConfig() *backends.ImageConfig {
	cfg := backends.DefaultImageConfig()
	cfg.Width = c.Config.ImageSize
	cfg.Height = c.Config.ImageSize
	return cfg
}
