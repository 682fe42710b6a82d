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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend represents an inference backend that can create sessions.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name (e.g., "ONNX Runtime")
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	// SessionFactory returns a factory for creating raw sessions.
	SessionFactory() SessionFactory
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex
)

// RegisterBackend registers a backend. Called by backend implementations in init().
// Later registrations for the same type overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// unregisterBackend removes a backend. Only used by tests.
func unregisterBackend(t BackendType) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, t)
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListAvailable returns all backends that are currently available for use,
// sorted by priority (lowest priority number first).
func ListAvailable() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Backend, 0, len(registry))
	for _, b := range registry {
		if b.Available() {
			result = append(result, b)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority() != result[j].Priority() {
			return result[i].Priority() < result[j].Priority()
		}
		return result[i].Type() < result[j].Type()
	})

	return result
}

// ParseBackendType parses a string into BackendType.
// Returns an error for unrecognized values.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "onnx":
		return BackendONNX, nil
	case "go", "gomlx":
		return BackendGo, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: onnx, go)", s)
	}
}

// ParseDeviceType parses a string into DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return DeviceAuto, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	case "cpu", "off":
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unknown device type: %q (valid: auto, cuda, cpu)", s)
	}
}

// ParseBackendSpec parses a "backend" or "backend:device" string.
// Examples: "onnx", "onnx:cuda", "onnx:cpu"
func ParseBackendSpec(s string) (BackendSpec, error) {
	parts := strings.SplitN(s, ":", 2)

	backend, err := ParseBackendType(parts[0])
	if err != nil {
		return BackendSpec{}, err
	}

	spec := BackendSpec{Backend: backend, Device: DeviceAuto}

	if len(parts) == 2 {
		device, err := ParseDeviceType(parts[1])
		if err != nil {
			return BackendSpec{}, err
		}
		spec.Device = device
	}

	return spec, nil
}

// ParseBackendPriority parses a list of backend:device strings into BackendSpecs.
func ParseBackendPriority(priority []string) ([]BackendSpec, error) {
	specs := make([]BackendSpec, 0, len(priority))
	for _, s := range priority {
		spec, err := ParseBackendSpec(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
