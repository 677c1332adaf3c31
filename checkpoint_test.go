package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spillguard/spill-detection-service/config"
	"github.com/spillguard/spill-detection-service/detections"
	"github.com/spillguard/spill-detection-service/perr"
)

// stubRuntime replaces the ONNX Runtime seams for one test
func stubRuntime(t *testing.T, initErr error, open func(path string, meta checkpointMeta, size int) (*ModelSessionPool, error)) {
	t.Helper()
	prevInit, prevDestroy, prevOpen := initRuntime, destroyRuntime, openPool
	initRuntime = func(string) error { return initErr }
	destroyRuntime = func() error { return nil }
	openPool = open
	t.Cleanup(func() { initRuntime, destroyRuntime, openPool = prevInit, prevDestroy, prevOpen })
}

func fakePool(t *testing.T) *ModelSessionPool {
	t.Helper()
	pool, err := NewModelSessionPool(func() (inferenceSession, error) { return &fakeSession{value: 0.9}, nil }, 1)
	require.NoError(t, err)
	return pool
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadModelPicksFirstWorkingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "deeplabv3p_best.onnx")
	good := filepath.Join(dir, "spillguard_enhanced_final.onnx")
	writeFile(t, broken, "x")
	writeFile(t, good, "x")
	writeFile(t, filepath.Join(dir, "spillguard_enhanced_final.json"), `{"best_threshold": 0.42}`)

	var opened []string
	stubRuntime(t, nil, func(path string, meta checkpointMeta, size int) (*ModelSessionPool, error) {
		opened = append(opened, path)
		if path == broken {
			return nil, errors.New("invalid protobuf")
		}
		require.Equal(t, 3, size)
		return fakePool(t), nil
	})

	cfg := &config.Config{
		ModelPaths: []string{filepath.Join(dir, "missing.onnx"), broken, good},
		PoolSize:   3,
		Threshold:  0.65,
	}
	rt := loadModel(cfg)
	defer rt.Close()

	require.Equal(t, []string{broken, good}, opened)
	require.Equal(t, good, rt.Checkpoint)
	require.NotNil(t, rt.Pool)
	require.Equal(t, 0.42, rt.Config.Threshold)
	require.Equal(t, detections.InputSize, rt.Config.InputSize)
}

func TestLoadModelKeepsConfiguredThresholdWithoutSidecar(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.onnx")
	writeFile(t, model, "x")

	stubRuntime(t, nil, func(string, checkpointMeta, int) (*ModelSessionPool, error) { return fakePool(t), nil })

	rt := loadModel(&config.Config{ModelPaths: []string{model}, PoolSize: 1, Threshold: 0.65})
	defer rt.Close()
	require.Equal(t, 0.65, rt.Config.Threshold)
}

func TestLoadModelFallsBackToUnavailableSegmenter(t *testing.T) {
	stubRuntime(t, nil, func(string, checkpointMeta, int) (*ModelSessionPool, error) {
		t.Fatal("no checkpoint exists, nothing should be opened")
		return nil, nil
	})

	rt := loadModel(&config.Config{ModelPaths: []string{"/nonexistent/a.onnx"}, PoolSize: 1, Threshold: 0.65})
	defer rt.Close()

	require.Nil(t, rt.Pool)
	_, err := rt.Segmenter.Infer(context.Background(), detections.Tensor{})
	require.True(t, perr.IsCode(err, perr.ErrorCodeInference))
}

func TestLoadModelWithoutRuntime(t *testing.T) {
	stubRuntime(t, errors.New("libonnxruntime.so: cannot open shared object file"), nil)

	rt := loadModel(&config.Config{ModelPaths: []string{"a.onnx"}, PoolSize: 1, Threshold: 0.65})
	defer rt.Close()

	require.False(t, rt.envReady)
	_, err := rt.Segmenter.Infer(context.Background(), detections.Tensor{})
	require.True(t, perr.IsCode(err, perr.ErrorCodeInference))
}

func TestReadSidecar(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "m.onnx")

	meta, err := readSidecar(model)
	require.NoError(t, err)
	_, ok := meta.threshold()
	require.False(t, ok)

	writeFile(t, filepath.Join(dir, "m.json"), `{"best_threshold": 0.5, "input_name": "pixel_values", "output_name": "logits"}`)
	meta, err = readSidecar(model)
	require.NoError(t, err)
	th, ok := meta.threshold()
	require.True(t, ok)
	require.Equal(t, 0.5, th)
	require.Equal(t, "pixel_values", meta.InputName)
	require.Equal(t, "logits", meta.OutputName)

	writeFile(t, filepath.Join(dir, "m.json"), `{"best_threshold": 1.5}`)
	meta, err = readSidecar(model)
	require.NoError(t, err)
	_, ok = meta.threshold()
	require.False(t, ok)

	writeFile(t, filepath.Join(dir, "m.json"), `{`)
	_, err = readSidecar(model)
	require.Error(t, err)
}
