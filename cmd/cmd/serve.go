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
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/caption"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caption server",
	Long:  `Start the caption server exposing POST /api/caption, /healthz, /readyz and /metrics.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("api-url", "http://localhost:11433", "address the caption API listens on")
	serveCmd.Flags().Int("health-port", 4200, "health/metrics server port")
	serveCmd.Flags().Int("pool-size", 0, "concurrent generators (0 = min(NumCPU, 4))")
	serveCmd.Flags().Duration("cache-ttl", caption.CaptionCacheTTL, "how long captions stay cached")
	serveCmd.Flags().Int64("max-request-bytes", caption.DefaultMaxRequestBytes, "maximum request body size")
	mustBindPFlag("api_url", serveCmd.Flags().Lookup("api-url"))
	mustBindPFlag("health_port", serveCmd.Flags().Lookup("health-port"))
	mustBindPFlag("pool_size", serveCmd.Flags().Lookup("pool-size"))
	mustBindPFlag("cache_ttl", serveCmd.Flags().Lookup("cache-ttl"))
	mustBindPFlag("max_request_bytes", serveCmd.Flags().Lookup("max-request-bytes"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as caption server")

	cfg := modelConfig()
	cfg.ApiUrl = viper.GetString("api_url")
	cfg.PoolSize = viper.GetInt("pool_size")
	cfg.CacheTTL = viper.GetDuration("cache_ttl")
	cfg.MaxRequestBytes = viper.GetInt64("max_request_bytes")

	// Track readiness state
	ready := &atomic.Bool{}
	ready.Store(false)
	readyC := make(chan struct{})

	// Start health server with readiness checker
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	// Wait for ready signal in background
	go func() {
		<-readyC
		ready.Store(true)
		logger.Info("Caption server is ready")
	}()

	return caption.RunAsCaptionServer(ctx, logger, cfg, readyC)
}
