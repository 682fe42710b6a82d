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

package caption

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/antflydb/caption/lib/captioning"
	"github.com/antflydb/caption/lib/pipelines"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"
)

// CaptionCacheTTL is the default TTL for cached captions
const CaptionCacheTTL = 5 * time.Minute

// ErrInvalidImage is returned when request bytes do not decode to an image.
var ErrInvalidImage = errors.New("invalid image")

// Ensure CachedCaptioner implements the Captioner interface
var _ captioning.Captioner = (*CachedCaptioner)(nil)

// CachedCaptioner wraps a captioner with caching support
type CachedCaptioner struct {
	captioner captioning.Captioner
	model     string
	cache     *ttlcache.Cache[string, *captioning.Result]
	sfGroup   *singleflight.Group
	logger    *zap.Logger

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedCaptioner wraps a captioner with caching
func NewCachedCaptioner(
	captioner captioning.Captioner,
	model string,
	cache *ttlcache.Cache[string, *captioning.Result],
	logger *zap.Logger,
) *CachedCaptioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCaptioner{
		captioner: captioner,
		model:     model,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
	}
}

// Model returns the caption model tag the cache entries belong to.
func (c *CachedCaptioner) Model() string {
	return c.model
}

// Caption captions a decoded image, keyed by its pixels.
func (c *CachedCaptioner) Caption(ctx context.Context, img image.Image) (*captioning.Result, error) {
	result, _, err := c.caption(ctx, c.pixelKey(img), img)
	return result, err
}

// CaptionBytes decodes an encoded image and captions it, keyed by the raw
// bytes. The decoded image is returned alongside the result.
func (c *CachedCaptioner) CaptionBytes(ctx context.Context, data []byte) (*captioning.Result, image.Image, bool, error) {
	img, err := pipelines.DecodeReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Empty() {
		return nil, nil, false, fmt.Errorf("%w: image has no pixels", ErrInvalidImage)
	}
	result, cacheHit, err := c.caption(ctx, c.bytesKey(data), img)
	if err != nil {
		return nil, nil, false, err
	}
	return result, img, cacheHit, nil
}

func (c *CachedCaptioner) caption(ctx context.Context, key string, img image.Image) (*captioning.Result, bool, error) {
	// Check cache first
	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("caption")
		c.logger.Debug("Caption cache hit", zap.String("model", c.model))
		return item.Value(), true, nil
	}

	// Use singleflight to deduplicate concurrent identical requests. The shared
	// call runs detached from ctx; each caller stops waiting on its own
	// cancellation.
	ch := c.sfGroup.DoChan(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("caption")

		start := time.Now()
		res, err := c.captioner.Caption(context.WithoutCancel(ctx), img)
		if err != nil {
			return nil, err
		}

		RecordRequestDuration("caption", c.model, "200", time.Since(start).Seconds())
		RecordTokenGeneration(c.model, len(res.Caption.Sequence()))
		if !res.Caption.Complete() {
			RecordPartialCaption(c.model)
		}

		c.cache.Set(key, res, ttlcache.DefaultTTL)

		c.logger.Debug("Caption completed and cached",
			zap.String("model", c.model),
			zap.String("caption", res.Text),
			zap.Duration("duration", time.Since(start)))

		return res, nil
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if r.Err != nil {
		return nil, false, r.Err
	}

	if r.Shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for caption request",
			zap.String("model", c.model))
	}

	return r.Val.(*captioning.Result), false, nil
}

// bytesKey hashes the model tag and the encoded image.
func (c *CachedCaptioner) bytesKey(data []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|b:")
	_, _ = h.Write(data)
	return sumKey(h)
}

// pixelKey hashes the model tag, the bounds and the RGBA pixels of img.
func (c *CachedCaptioner) pixelKey(img image.Image) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|p:")

	bounds := img.Bounds()
	var dimBuf [16]byte
	binary.BigEndian.PutUint32(dimBuf[0:4], uint32(bounds.Min.X))
	binary.BigEndian.PutUint32(dimBuf[4:8], uint32(bounds.Min.Y))
	binary.BigEndian.PutUint32(dimBuf[8:12], uint32(bounds.Max.X))
	binary.BigEndian.PutUint32(dimBuf[12:16], uint32(bounds.Max.Y))
	_, _ = h.Write(dimBuf[:])

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		off := rgba.PixOffset(bounds.Min.X, y)
		_, _ = h.Write(rgba.Pix[off : off+4*bounds.Dx()])
	}
	return sumKey(h)
}

func sumKey(h *xxhash.Digest) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Close closes the underlying captioner
func (c *CachedCaptioner) Close() error {
	return c.captioner.Close()
}

// Stats returns cache statistics for this captioner
func (c *CachedCaptioner) Stats() CaptionCacheStats {
	return CaptionCacheStats{
		Model:            c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// CaptionCacheStats holds cache statistics for a captioner
type CaptionCacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// CaptionCache owns the TTL cache shared by wrapped captioners
type CaptionCache struct {
	cache  *ttlcache.Cache[string, *captioning.Result]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewCaptionCache creates a new caption cache. A non-positive ttl uses
// CaptionCacheTTL.
func NewCaptionCache(ttl time.Duration, logger *zap.Logger) *CaptionCache {
	if ttl <= 0 {
		ttl = CaptionCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *captioning.Result](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cc := &CaptionCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	// Log cache stats periodically
	go cc.logStats(ctx)

	return cc
}

// Wrap wraps a captioner with caching
func (cc *CaptionCache) Wrap(captioner captioning.Captioner, model string) *CachedCaptioner {
	return NewCachedCaptioner(captioner, model, cc.cache, cc.logger.Named(model))
}

// Close stops the cache
func (cc *CaptionCache) Close() {
	cc.cancel()
	cc.cache.Stop()
}

// logStats logs cache statistics periodically
func (cc *CaptionCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := cc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				cc.logger.Info("Caption cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", cc.cache.Len()))
			}
		}
	}
}

// Stats returns global cache statistics
func (cc *CaptionCache) Stats() map[string]any {
	metrics := cc.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  cc.cache.Len(),
	}
}
