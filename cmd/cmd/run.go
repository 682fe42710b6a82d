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

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/caption"
	"github.com/antflydb/caption/lib/captioning"
	"github.com/antflydb/caption/lib/pipelines"
	"github.com/antflydb/caption/lib/visualize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Caption a single image",
	Long: `Caption one image with beam search and optionally render the attention
figure of attention-based models.

Examples:
  # Caption an image
  caption run --checkpoint ./ckpt --word-map ./WORDMAP.json --image dog.jpg

  # Caption and save the smoothed attention figure
  caption run --checkpoint ./ckpt --word-map ./WORDMAP.json --image dog.jpg \
    --beam-size 3 --smooth --attention-out attention.png`,
	RunE: runCaption,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("image", "", "image file to caption")
	runCmd.Flags().Bool("smooth", true, "smooth attention maps with a pyramid expand")
	runCmd.Flags().String("attention-out", "", "write the attention figure to this PNG file")
	_ = runCmd.MarkFlagRequired("image")
}

// newLogger builds the process logger from the log.* settings.
func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// modelConfig reads the model settings shared by run and serve.
func modelConfig() caption.Config {
	return caption.Config{
		CheckpointDir:   viper.GetString("checkpoint"),
		WordMapPath:     viper.GetString("word_map"),
		BeamSize:        viper.GetInt("beam_size"),
		MaxSteps:        viper.GetInt("max_steps"),
		Device:          viper.GetString("device"),
		NumThreads:      viper.GetInt("num_threads"),
		BackendPriority: viper.GetStringSlice("backend_priority"),
	}
}

func runCaption(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	imagePath, _ := cmd.Flags().GetString("image")
	smooth, _ := cmd.Flags().GetBool("smooth")
	attentionOut, _ := cmd.Flags().GetString("attention-out")

	cfg := modelConfig()
	cfg.PoolSize = 1

	img, err := pipelines.DecodeFile(imagePath)
	if err != nil {
		return err
	}

	manager, err := caption.NewSessionManager(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	pool, words, err := caption.LoadCaptioner(cfg, manager, logger)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	result, err := pool.Caption(ctx, img)
	if err != nil {
		return fmt.Errorf("captioning %s: %w", imagePath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Caption: %s\n", result.Text)

	if attentionOut == "" {
		return nil
	}
	if !pool.Architecture().HasAttention() {
		logger.Warn("Model has no attention, skipping figure",
			zap.Stringer("architecture", pool.Architecture()))
		return nil
	}

	figure, err := visualize.VisualizeAttention(
		img,
		result.Caption.Sequence(),
		captioning.Alphas(result.Caption),
		words,
		captioning.Betas(result.Caption),
		smooth,
	)
	if err != nil {
		return fmt.Errorf("rendering attention: %w", err)
	}
	if err := visualize.SavePNG(attentionOut, figure); err != nil {
		return err
	}
	logger.Info("Saved attention figure", zap.String("path", attentionOut))
	return nil
}
