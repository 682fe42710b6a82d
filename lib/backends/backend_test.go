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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backendFake BackendType = "fake"

type fakeFactory struct{}

func (fakeFactory) CreateSession(string, ...SessionOption) (Session, error) { return nil, nil }
func (fakeFactory) Backend() BackendType                                    { return backendFake }

type fakeBackend struct {
	available bool
}

func (b *fakeBackend) Type() BackendType              { return backendFake }
func (b *fakeBackend) Name() string                   { return "Fake" }
func (b *fakeBackend) Available() bool                { return b.available }
func (b *fakeBackend) Priority() int                  { return 100 }
func (b *fakeBackend) SessionFactory() SessionFactory { return fakeFactory{} }

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		in      string
		want    DeviceType
		wantErr bool
	}{
		{in: "", want: DeviceAuto},
		{in: "auto", want: DeviceAuto},
		{in: "CUDA", want: DeviceCUDA},
		{in: "gpu", want: DeviceCUDA},
		{in: "cpu", want: DeviceCPU},
		{in: "off", want: DeviceCPU},
		{in: "tpu", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDeviceType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBackendSpec(t *testing.T) {
	spec, err := ParseBackendSpec("onnx:cuda")
	require.NoError(t, err)
	assert.Equal(t, BackendSpec{Backend: BackendONNX, Device: DeviceCUDA}, spec)
	assert.Equal(t, "onnx:cuda", spec.String())

	spec, err = ParseBackendSpec("onnx")
	require.NoError(t, err)
	assert.Equal(t, "onnx", spec.String())

	_, err = ParseBackendSpec("xla")
	assert.Error(t, err)

	_, err = ParseBackendPriority([]string{"onnx", "onnx:tpu"})
	assert.Error(t, err)
}

func TestResolveDevice(t *testing.T) {
	calls := 0
	withGPU := func() GPUInfo {
		calls++
		return GPUInfo{Available: true, Type: "cuda"}
	}
	noGPU := func() GPUInfo {
		calls++
		return GPUInfo{Type: "none"}
	}

	assert.Equal(t, DeviceCUDA, ResolveDevice(DeviceAuto, withGPU))
	assert.Equal(t, DeviceCPU, ResolveDevice(DeviceAuto, noGPU))
	assert.Equal(t, DeviceCPU, ResolveDevice("", noGPU))
	assert.Equal(t, 3, calls)

	// Explicit devices never probe.
	assert.Equal(t, DeviceCPU, ResolveDevice(DeviceCPU, withGPU))
	assert.Equal(t, DeviceCUDA, ResolveDevice(DeviceCUDA, noGPU))
	assert.Equal(t, 3, calls)
}

func TestDeviceToGPUMode(t *testing.T) {
	assert.Equal(t, GPUModeCuda, DeviceCUDA.ToGPUMode())
	assert.Equal(t, GPUModeOff, DeviceCPU.ToGPUMode())
	assert.Equal(t, GPUModeAuto, DeviceAuto.ToGPUMode())
}

func TestSessionManager(t *testing.T) {
	RegisterBackend(&fakeBackend{available: true})
	t.Cleanup(func() { unregisterBackend(backendFake) })

	sm := NewSessionManager(DeviceCPU)
	sm.SetNumThreads(2)
	assert.Equal(t, DeviceCPU, sm.Device())

	cfg := ApplySessionOptions(sm.SessionOptions()...)
	assert.Equal(t, GPUModeOff, cfg.GPUMode)
	assert.Equal(t, 2, cfg.NumThreads)

	factory, backend, err := sm.GetSessionFactoryForModel([]string{string(backendFake)})
	require.NoError(t, err)
	assert.Equal(t, backendFake, backend)
	assert.Equal(t, backendFake, factory.Backend())

	_, _, err = sm.GetSessionFactoryForModel([]string{"missing"})
	assert.Error(t, err)

	require.NoError(t, sm.Close())
	_, err = sm.GetSessionFactory(backendFake)
	assert.Error(t, err)
}

func TestSessionManagerUnavailableBackend(t *testing.T) {
	RegisterBackend(&fakeBackend{available: false})
	t.Cleanup(func() { unregisterBackend(backendFake) })

	sm := NewSessionManager(DeviceCPU)
	sm.SetPriority([]BackendSpec{{Backend: backendFake, Device: DeviceCPU}})

	_, _, err := sm.GetSessionFactoryForModel(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestShapeElements(t *testing.T) {
	assert.Equal(t, 1*3*256*256, Shape{1, 3, 256, 256}.Elements())
	assert.Equal(t, "[1 196 2048]", Shape{1, 196, 2048}.String())
}

func TestFindTensor(t *testing.T) {
	tensors := []NamedTensor{
		{Name: "scores", Data: []float32{1, 2}},
		{Name: "alpha", Data: []int64{3}},
	}

	got, ok := FindTensor(tensors, "scores")
	require.True(t, ok)
	data, err := got.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, data)

	alpha, ok := FindTensor(tensors, "alpha")
	require.True(t, ok)
	_, err = alpha.Float32s()
	assert.Error(t, err)

	_, ok = FindTensor(tensors, "beta")
	assert.False(t, ok)
}
