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

import "github.com/prometheus/client_golang/prometheus"

var (
	captionRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "caption",
			Name:      "caption_request_ops_total",
			Help:      "The total number of caption requests.",
		},
		[]string{"model"},
	)
	tokenGenerationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "caption",
			Name:      "token_generation_ops_total",
			Help:      "The total number of caption tokens generated.",
		},
		[]string{"model"},
	)
	partialCaptionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "caption",
			Name:      "partial_caption_ops_total",
			Help:      "The total number of captions cut off by the step budget.",
		},
		[]string{"model"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "caption",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "caption",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "model", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "caption",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "caption",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(captionRequestOps)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(partialCaptionOps)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordCaptionRequest increments the caption request counter
func RecordCaptionRequest(model string) {
	captionRequestOps.WithLabelValues(model).Inc()
}

// RecordTokenGeneration adds the length of a generated sequence
func RecordTokenGeneration(model string, count int) {
	tokenGenerationOps.WithLabelValues(model).Add(float64(count))
}

// RecordPartialCaption counts a caption that never emitted the end token
func RecordPartialCaption(model string) {
	partialCaptionOps.WithLabelValues(model).Inc()
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model string, seconds float64) {
	modelLoadDuration.WithLabelValues(model).Observe(seconds)
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, model, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, model, status).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
