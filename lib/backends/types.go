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

// Package backends provides the tensor execution layer used by the captioning
// encoder and decoder:
//
//   - onnxruntime_go: Direct ONNX Runtime inference, requires -tags="onnx,ORT"
//   - gomlx (go): Pure Go engine running the same .onnx graphs through
//     onnx-gomlx, always available, CPU only and slower
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd
//
// The execution device (CUDA or CPU) is resolved once at startup with
// ResolveDevice and handed to the SessionManager. Nothing in this package keeps
// a process-wide device choice.
package backends

import "fmt"

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"

	// BackendGo is the pure Go GoMLX engine - always available fallback
	BackendGo BackendType = "go"
)

// DeviceType identifies the hardware device for inference
type DeviceType string

const (
	// DeviceAuto auto-detects the best available device (default)
	DeviceAuto DeviceType = "auto"

	// DeviceCUDA uses NVIDIA CUDA GPU
	DeviceCUDA DeviceType = "cuda"

	// DeviceCPU forces CPU-only inference
	DeviceCPU DeviceType = "cpu"
)

// GPUMode controls how GPU acceleration is enabled for a session.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Auto-detect GPU availability
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ToGPUMode converts DeviceType to GPUMode.
func (d DeviceType) ToGPUMode() GPUMode {
	switch d {
	case DeviceCUDA:
		return GPUModeCuda
	case DeviceCPU:
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// BackendSpec combines a backend type with a device specification.
type BackendSpec struct {
	Backend BackendType
	Device  DeviceType
}

// String returns the string representation (e.g., "onnx:cuda" or "onnx")
func (s BackendSpec) String() string {
	if s.Device == DeviceAuto || s.Device == "" {
		return string(s.Backend)
	}
	return string(s.Backend) + ":" + string(s.Device)
}

// GPUInfo contains information about the detected GPU
type GPUInfo struct {
	Available   bool   `json:"available"`
	Type        string `json:"type"` // "cuda", "none"
	DeviceName  string `json:"device_name,omitempty"`
	DriverVer   string `json:"driver_version,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}

// Shape represents tensor dimensions.
type Shape []int64

// String returns a string representation of the shape.
func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// Elements returns the number of elements a tensor of this shape holds.
func (s Shape) Elements() int {
	n := 1
	for _, d := range s {
		n *= int(d)
	}
	return n
}

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Width is the target image width.
	Width int
	// Height is the target image height.
	Height int
	// Channels is the number of color channels (typically 3 for RGB).
	Channels int
	// Mean is the per-channel mean for normalization.
	Mean [3]float32
	// Std is the per-channel standard deviation for normalization.
	Std [3]float32
	// RescaleFactor scales pixel values (e.g., 1/255 to convert 0-255 to 0-1).
	RescaleFactor float32
}

// ImageNet normalization constants used by the captioning encoders.
var (
	ImageNetDefaultMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// DefaultImageConfig returns the preprocessing used by show-attend-tell encoders:
// a 256x256 square resize with ImageNet mean/std normalization.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         256,
		Height:        256,
		Channels:      3,
		Mean:          ImageNetDefaultMean,
		Std:           ImageNetDefaultStd,
		RescaleFactor: 1.0 / 255.0,
	}
}
