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
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "caption",
	Short: "Image captioning with beam search",
	Long: `caption turns images into natural-language captions using an exported
CNN encoder and one of the show_tell, att2all, adaptive_att or spatial_att
decoders, and renders the attention behind each generated word.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./caption.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-style", "", "log output style (empty uses the logging default)")
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))

	// Model flags shared by run and serve
	rootCmd.PersistentFlags().String("checkpoint", "", "exported checkpoint directory")
	rootCmd.PersistentFlags().String("word-map", "", "word map JSON file")
	rootCmd.PersistentFlags().Int("beam-size", 5, "number of hypotheses kept per step")
	rootCmd.PersistentFlags().Int("max-steps", 0, "maximum generated tokens (0 = checkpoint max_steps)")
	rootCmd.PersistentFlags().String("device", "auto", "execution device (auto, cuda, cpu)")
	rootCmd.PersistentFlags().Int("num-threads", 0, "intra-op threads per session (0 = runtime default)")
	rootCmd.PersistentFlags().StringSlice("backend-priority", nil, "backend preference, e.g. onnx:cuda,onnx:cpu,go")
	mustBindPFlag("checkpoint", rootCmd.PersistentFlags().Lookup("checkpoint"))
	mustBindPFlag("word_map", rootCmd.PersistentFlags().Lookup("word-map"))
	mustBindPFlag("beam_size", rootCmd.PersistentFlags().Lookup("beam-size"))
	mustBindPFlag("max_steps", rootCmd.PersistentFlags().Lookup("max-steps"))
	mustBindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	mustBindPFlag("num_threads", rootCmd.PersistentFlags().Lookup("num-threads"))
	mustBindPFlag("backend_priority", rootCmd.PersistentFlags().Lookup("backend-priority"))
}

// initConfig reads the config file and CAPTION_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("caption")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("CAPTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		}
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}
