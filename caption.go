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

// Package caption serves image captions over HTTP. It loads an exported
// encoder-decoder checkpoint into a pool of generators, caches results by
// image content and exposes health, readiness and Prometheus endpoints.
package caption

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/antflydb/caption/lib/backends"
	"github.com/antflydb/caption/lib/captioning"
	"github.com/antflydb/caption/lib/visualize"
	"github.com/antflydb/caption/lib/wordmap"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DefaultMaxRequestBytes bounds the size of a caption request body.
const DefaultMaxRequestBytes = 32 << 20

// Config configures model loading and the caption server.
type Config struct {
	ApiUrl          string        `json:"api_url"`
	CheckpointDir   string        `json:"checkpoint_dir"`
	WordMapPath     string        `json:"word_map"`
	BeamSize        int           `json:"beam_size"`
	MaxSteps        int           `json:"max_steps,omitempty"`
	PoolSize        int           `json:"pool_size,omitempty"`
	Device          string        `json:"device,omitempty"`
	NumThreads      int           `json:"num_threads,omitempty"`
	BackendPriority []string      `json:"backend_priority,omitempty"`
	CacheTTL        time.Duration `json:"cache_ttl,omitempty"`
	MaxRequestBytes int64         `json:"max_request_bytes,omitempty"`
}

// DecodingConfig returns the beam search parameters of the config.
func (c Config) DecodingConfig() captioning.Config {
	decoding := captioning.DefaultConfig()
	if c.BeamSize > 0 {
		decoding.BeamSize = c.BeamSize
	}
	// Zero defers to the checkpoint's max_steps.
	decoding.MaxSteps = c.MaxSteps
	return decoding
}

// NewSessionManager resolves the execution device once and returns a session
// manager bound to it.
func NewSessionManager(cfg Config, logger *zap.Logger) (*backends.SessionManager, error) {
	requested, err := backends.ParseDeviceType(cfg.Device)
	if err != nil {
		return nil, err
	}
	device := backends.ResolveDevice(requested, nil)
	logger.Info("Execution device resolved",
		zap.String("requested", string(requested)),
		zap.String("device", string(device)))

	manager := backends.NewSessionManager(device)
	manager.SetNumThreads(cfg.NumThreads)
	if len(cfg.BackendPriority) > 0 {
		priority, err := backends.ParseBackendPriority(cfg.BackendPriority)
		if err != nil {
			return nil, fmt.Errorf("parsing backend priority: %w", err)
		}
		manager.SetPriority(priority)
	}
	return manager, nil
}

// LoadCaptioner loads the word map and a pool of generators for the checkpoint.
func LoadCaptioner(cfg Config, manager *backends.SessionManager, logger *zap.Logger) (*captioning.PooledGenerator, *wordmap.WordMap, error) {
	if cfg.CheckpointDir == "" {
		return nil, nil, fmt.Errorf("checkpoint directory is required")
	}
	if cfg.WordMapPath == "" {
		return nil, nil, fmt.Errorf("word map is required")
	}

	words, err := wordmap.Load(cfg.WordMapPath)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	pool, err := captioning.NewPooledGenerator(&captioning.PooledGeneratorConfig{
		CheckpointDir: cfg.CheckpointDir,
		PoolSize:      cfg.PoolSize,
		Decoding:      cfg.DecodingConfig(),
		Logger:        logger,
	}, words, manager)
	if err != nil {
		return nil, nil, err
	}
	RecordModelLoadDuration(pool.Architecture().String(), time.Since(start).Seconds())

	logger.Info("Caption model ready",
		zap.Stringer("architecture", pool.Architecture()),
		zap.Int("vocabulary", words.Len()),
		zap.Duration("duration", time.Since(start)))
	return pool, words, nil
}

// CaptionNode holds the state behind the HTTP handlers.
type CaptionNode struct {
	logger          *zap.Logger
	captioner       *CachedCaptioner
	arch            captioning.Architecture
	render          visualize.Options
	maxRequestBytes int64
}

// NewCaptionNode creates a node serving captions from captioner. A nil
// captioner yields a node that reports not ready.
func NewCaptionNode(logger *zap.Logger, captioner *CachedCaptioner, arch captioning.Architecture) *CaptionNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptionNode{
		logger:          logger,
		captioner:       captioner,
		arch:            arch,
		render:          visualize.DefaultOptions(),
		maxRequestBytes: DefaultMaxRequestBytes,
	}
}

// corsMiddleware adds permissive CORS headers for the caption API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewHandler returns the full HTTP surface of a node.
func NewHandler(logger *zap.Logger, node *CaptionNode) http.Handler {
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", node.handleHealthz)
	rootMux.HandleFunc("GET /readyz", node.handleReadyz)
	rootMux.Handle("GET /metrics", promhttp.Handler())

	rootMux.Handle("/api/", NewCaptionAPI(logger, node))

	return corsMiddleware(rootMux)
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// RunAsCaptionServer loads the checkpoint and serves captions until ctx is
// cancelled. If readyC is non-nil, it is closed once the server is listening.
func RunAsCaptionServer(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) error {
	zl = zl.Named("caption")
	zl.Info("Starting caption server", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		return fmt.Errorf("invalid API URL %q: %w", config.ApiUrl, err)
	}

	manager, err := NewSessionManager(config, zl)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	pool, _, err := LoadCaptioner(config, manager, zl)
	if err != nil {
		return err
	}

	cache := NewCaptionCache(config.CacheTTL, zl.Named("cache"))
	defer cache.Close()

	arch := pool.Architecture()
	captioner := cache.Wrap(pool, arch.String())
	defer func() {
		if err := captioner.Close(); err != nil {
			zl.Warn("Error closing captioner", zap.Error(err))
		}
	}()

	node := NewCaptionNode(zl, captioner, arch)
	if config.MaxRequestBytes > 0 {
		node.maxRequestBytes = config.MaxRequestBytes
	}

	srv := &http.Server{
		Addr:        u.Host,
		Handler:     NewHandler(zl, node),
		ReadTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Caption api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Signal readiness after server starts
	if readyC != nil {
		close(readyC)
	}

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections
	srv.SetKeepAlivesEnabled(false)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
	return nil
}
