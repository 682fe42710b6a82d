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
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/antflydb/caption/lib/captioning"
	"github.com/antflydb/caption/lib/visualize"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"
)

// CaptionRequest is the JSON body of POST /api/caption. Image holds the
// encoded image, base64 in JSON.
type CaptionRequest struct {
	Image     []byte `json:"image"`
	Attention bool   `json:"attention,omitempty"`
	Smooth    bool   `json:"smooth,omitempty"`
}

// CaptionResponse is the result of POST /api/caption.
type CaptionResponse struct {
	Model    string   `json:"model"`
	Caption  string   `json:"caption"`
	Tokens   []int    `json:"tokens"`
	Words    []string `json:"words"`
	LogProb  float64  `json:"log_prob"`
	Complete bool     `json:"complete"`
	// Gates is 1 - beta per token for sentinel models.
	Gates []float64 `json:"gates,omitempty"`
	// Attention is the rendered attention figure as PNG.
	Attention []byte `json:"attention,omitempty"`
	CacheHit  bool   `json:"cache_hit"`
}

// VersionResponse is the result of GET /api/version.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// CaptionAPI serves the /api routes of a node.
type CaptionAPI struct {
	logger *zap.Logger
	node   *CaptionNode
}

// NewCaptionAPI creates a new HTTP handler for the caption API
func NewCaptionAPI(logger *zap.Logger, node *CaptionNode) http.Handler {
	api := &CaptionAPI{
		logger: logger,
		node:   node,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/caption", api.node.handleApiCaption)
	mux.HandleFunc("GET /api/version", api.GetVersion)
	return mux
}

// GetVersion reports build information.
func (t *CaptionAPI) GetVersion(w http.ResponseWriter, r *http.Request) {
	resp := VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		t.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleApiCaption captions one image. The body is either a CaptionRequest
// or, for image/* and application/octet-stream content types, the raw image
// with attention and smooth as query parameters.
func (n *CaptionNode) handleApiCaption(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	if n.captioner == nil {
		http.Error(w, "captioning not available: no model loaded", http.StatusServiceUnavailable)
		return
	}
	start := time.Now()
	model := n.captioner.Model()

	req, err := n.parseCaptionRequest(w, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Image) == 0 {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	if req.Attention && !n.arch.HasAttention() {
		http.Error(w, fmt.Sprintf("model %s has no attention to render", n.arch), http.StatusBadRequest)
		return
	}

	RecordCaptionRequest(model)

	result, img, cacheHit, err := n.captioner.CaptionBytes(r.Context(), req.Image)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidImage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		default:
			n.logger.Error("captioning failed", zap.Error(err))
			http.Error(w, fmt.Sprintf("captioning image: %v", err), http.StatusInternalServerError)
		}
		RecordRequestDuration("api_caption", model, "error", time.Since(start).Seconds())
		return
	}

	resp := CaptionResponse{
		Model:    model,
		Caption:  result.Text,
		Tokens:   result.Caption.Sequence(),
		Words:    result.Words,
		LogProb:  result.Caption.LogProb(),
		Complete: result.Caption.Complete(),
		CacheHit: cacheHit,
	}
	betas := captioning.Betas(result.Caption)
	if betas != nil {
		resp.Gates = make([]float64, len(betas))
		for i, b := range betas {
			resp.Gates[i] = 1 - b
		}
	}

	if req.Attention {
		opts := n.render
		opts.Smooth = req.Smooth
		figure, err := visualize.Render(img, result.Words, captioning.Alphas(result.Caption), betas, opts)
		if err != nil {
			n.logger.Error("rendering attention failed", zap.Error(err))
			http.Error(w, fmt.Sprintf("rendering attention: %v", err), http.StatusInternalServerError)
			return
		}
		var buf bytes.Buffer
		if err := visualize.WritePNG(&buf, figure); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Attention = buf.Bytes()
	}

	RecordRequestDuration("api_caption", model, "200", time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		n.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (n *CaptionNode) parseCaptionRequest(w http.ResponseWriter, r *http.Request) (*CaptionRequest, error) {
	body := http.MaxBytesReader(w, r.Body, n.maxRequestBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream" {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		req := &CaptionRequest{Image: data}
		query := r.URL.Query()
		if req.Attention, err = queryBool(query.Get("attention")); err != nil {
			return nil, fmt.Errorf("attention: %w", err)
		}
		if req.Smooth, err = queryBool(query.Get("smooth")); err != nil {
			return nil, fmt.Errorf("smooth: %w", err)
		}
		return req, nil
	}

	var req CaptionRequest
	if err := decoder.NewStreamDecoder(body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func queryBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
