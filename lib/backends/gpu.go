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

package backends

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// GPUProbe reports whether an accelerator is present. DetectGPU is the
// production probe; tests substitute their own.
type GPUProbe func() GPUInfo

// DetectGPU checks if CUDA acceleration is available on this host.
// It shells out to nvidia-smi and falls back to looking for libcudart.
func DetectGPU() GPUInfo {
	switch runtime.GOOS {
	case "linux", "windows":
		return detectCUDA()
	default:
		return GPUInfo{Available: false, Type: "none"}
	}
}

// ResolveDevice turns a requested device into a concrete one. DeviceAuto is
// resolved by probing once; explicit choices are returned unchanged. The result
// is meant to be computed at startup and passed down as configuration.
func ResolveDevice(requested DeviceType, probe GPUProbe) DeviceType {
	if requested != DeviceAuto && requested != "" {
		return requested
	}
	if probe == nil {
		probe = DetectGPU
	}
	if info := probe(); info.Available && info.Type == "cuda" {
		return DeviceCUDA
	}
	return DeviceCPU
}

// detectCUDA checks for NVIDIA CUDA availability.
func detectCUDA() GPUInfo {
	info := GPUInfo{Type: "none"}

	// Method 1: Try nvidia-smi command
	if nvidiaInfo := tryNvidiaSMI(); nvidiaInfo.Available {
		return nvidiaInfo
	}

	// Method 2: Check for CUDA libraries
	if cudaLibsExist() {
		info.Available = true
		info.Type = "cuda"
		info.DeviceName = "CUDA (libraries detected)"
		return info
	}

	return info
}

// tryNvidiaSMI attempts to run nvidia-smi to detect GPU.
func tryNvidiaSMI() GPUInfo {
	info := GPUInfo{Type: "none"}

	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}

	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: nvidiaSMI path comes from LookPath("nvidia-smi")
	output, err := cmd.Output()
	if err != nil {
		return info
	}

	// Parse output (format: "GPU Name, Driver Version")
	parts := strings.Split(strings.TrimSpace(string(output)), ", ")
	info.Available = true
	info.Type = "cuda"
	if len(parts) >= 1 {
		info.DeviceName = strings.TrimSpace(parts[0])
	}
	if len(parts) >= 2 {
		info.DriverVer = strings.TrimSpace(parts[1])
	}

	cmd = exec.Command(nvidiaSMI, "--query-gpu=compute_cap", "--format=csv,noheader,nounits") //nolint:gosec // G204: nvidiaSMI path comes from LookPath("nvidia-smi")
	if output, err := cmd.Output(); err == nil {
		info.CUDAVersion = strings.TrimSpace(string(output))
	}

	return info
}

// cudaLibsExist checks if CUDA libraries are present.
func cudaLibsExist() bool {
	cudaPaths := []string{
		"/usr/local/cuda/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib64",
	}

	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		cudaPaths = append(strings.Split(ldPath, ":"), cudaPaths...)
	}

	// Look for libcudart (CUDA runtime)
	for _, dir := range cudaPaths {
		matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*"))
		if len(matches) > 0 {
			return true
		}
	}

	return false
}
