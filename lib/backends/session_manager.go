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
	"sync"
)

// SessionManager hands out session factories in priority order and carries the
// execution device chosen at startup.
//
// Usage:
//
//	device := backends.ResolveDevice(backends.DeviceAuto, nil)
//	manager := backends.NewSessionManager(device)
//	defer manager.Close()
//
//	factory, backend, err := manager.GetSessionFactoryForModel(nil)
//	session, err := factory.CreateSession(path, manager.SessionOptions()...)
type SessionManager struct {
	device     DeviceType
	numThreads int
	priority   []BackendSpec
	mu         sync.RWMutex
	closed     bool
}

// NewSessionManager creates a session manager bound to a resolved device.
func NewSessionManager(device DeviceType) *SessionManager {
	if device == "" {
		device = DeviceAuto
	}
	return &SessionManager{device: device}
}

// Device returns the execution device sessions are created for.
func (sm *SessionManager) Device() DeviceType {
	return sm.device
}

// SetNumThreads sets the intra-op thread count passed to new sessions.
func (sm *SessionManager) SetNumThreads(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.numThreads = n
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = make([]BackendSpec, len(priority))
	copy(sm.priority, priority)
}

// getPriority returns the configured priority or all available backends in
// their default order.
func (sm *SessionManager) getPriority() []BackendSpec {
	if len(sm.priority) > 0 {
		result := make([]BackendSpec, len(sm.priority))
		copy(result, sm.priority)
		return result
	}

	available := ListAvailable()
	result := make([]BackendSpec, len(available))
	for i, b := range available {
		result[i] = BackendSpec{Backend: b.Type(), Device: sm.device}
	}
	return result
}

// SessionOptions returns the options every session should be created with.
func (sm *SessionManager) SessionOptions() []SessionOption {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	opts := []SessionOption{WithSessionGPUMode(sm.device.ToGPUMode())}
	if sm.numThreads > 0 {
		opts = append(opts, WithSessionThreads(sm.numThreads))
	}
	return opts
}

// GetSessionFactory returns a SessionFactory for the specified backend.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	sm.mu.RLock()
	if sm.closed {
		sm.mu.RUnlock()
		return nil, fmt.Errorf("session manager is closed")
	}
	sm.mu.RUnlock()

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}

	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}

	return b.SessionFactory(), nil
}

// GetSessionFactoryForModel returns a SessionFactory for loading a model,
// respecting backend restrictions. Tries backends in priority order.
// Returns the factory and the backend type that was used.
func (sm *SessionManager) GetSessionFactoryForModel(modelBackends []string) (SessionFactory, BackendType, error) {
	sm.mu.RLock()
	priority := sm.getPriority()
	sm.mu.RUnlock()

	modelBackendSet := make(map[BackendType]bool)
	for _, b := range modelBackends {
		modelBackendSet[BackendType(b)] = true
	}

	var lastErr error
	for _, spec := range priority {
		// Skip if model doesn't support this backend (unless model has no restrictions)
		if len(modelBackends) > 0 && !modelBackendSet[spec.Backend] {
			continue
		}

		factory, err := sm.GetSessionFactory(spec.Backend)
		if err == nil {
			return factory, spec.Backend, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		if len(modelBackends) > 0 {
			return nil, "", fmt.Errorf("no session factory for backends %v: %w", modelBackends, lastErr)
		}
		return nil, "", fmt.Errorf("no session factory available: %w", lastErr)
	}

	if len(modelBackends) > 0 {
		return nil, "", fmt.Errorf("no session factory for backends %v", modelBackends)
	}
	return nil, "", fmt.Errorf("no session factory available")
}

// Close releases all managed resources.
// After Close, the SessionManager cannot be reused.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closed = true
	return nil
}
