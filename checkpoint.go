package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/spillguard/spill-detection-service/config"
	"github.com/spillguard/spill-detection-service/detections"
	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/perr"
)

const (
	defaultInputName  = "input"
	defaultOutputName = "output"
)

// checkpointMeta is the optional sidecar stored next to a model as <model>.json
type checkpointMeta struct {
	BestThreshold *float64 `json:"best_threshold"`
	InputName     string   `json:"input_name"`
	OutputName    string   `json:"output_name"`
}

// modelRuntime is what main needs from the loaded checkpoint
type modelRuntime struct {
	Segmenter  detections.Segmenter
	Config     detections.Config
	Pool       *ModelSessionPool
	Checkpoint string
	envReady   bool
}

// Close destroys the pool and the ONNX Runtime environment
func (m *modelRuntime) Close() {
	if m.Pool != nil {
		m.Pool.Destroy()
	}
	if m.envReady {
		_ = destroyRuntime()
	}
}

// seams for tests
var (
	initRuntime = func(libPath string) error {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		return ort.InitializeEnvironment()
	}
	destroyRuntime = ort.DestroyEnvironment
	openPool       = func(path string, meta checkpointMeta, size int) (*ModelSessionPool, error) {
		return NewModelSessionPool(func() (inferenceSession, error) {
			s, err := initSession(path, meta)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, size)
	}
)

// loadModel tries every configured checkpoint in order; the first that opens
// wins. When none does, the service still starts with a segmenter that fails
// every call with an inference error
func loadModel(cfg *config.Config) *modelRuntime {
	log := logger.Named("checkpoint")
	rt := &modelRuntime{Config: detections.Config{Threshold: cfg.Threshold, InputSize: detections.InputSize}}

	if err := initRuntime(cfg.OnnxLibPath); err != nil {
		log.Warn().Err(err).Str("lib", cfg.OnnxLibPath).Msg("failed to initialize ONNX Runtime, predictions are unavailable")
		rt.Segmenter = unavailableSegmenter{reason: "ONNX Runtime could not be initialized"}
		return rt
	}
	rt.envReady = true

	var tried []string
	for _, path := range cfg.ModelPaths {
		if _, err := os.Stat(path); err != nil {
			log.Debug().Str("path", path).Msg("checkpoint not found, trying next")
			tried = append(tried, path)
			continue
		}

		meta, err := readSidecar(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ignoring unreadable checkpoint metadata")
		}

		pool, err := openPool(path, meta, cfg.PoolSize)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to open checkpoint, trying next")
			tried = append(tried, path)
			continue
		}

		if t, ok := meta.threshold(); ok {
			rt.Config.Threshold = t
		}
		rt.Segmenter = pool
		rt.Pool = pool
		rt.Checkpoint = path
		log.Info().Str("path", path).Stringer("config", rt.Config).Int("pool_size", pool.Size()).Msg("model loaded")
		return rt
	}

	log.Warn().Strs("tried", tried).Msg("no checkpoint could be loaded, predictions are unavailable")
	rt.Segmenter = unavailableSegmenter{reason: "no checkpoint could be loaded"}
	return rt
}

func sidecarPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// readSidecar returns zero metadata when no sidecar exists
func readSidecar(modelPath string) (checkpointMeta, error) {
	raw, err := os.ReadFile(sidecarPath(modelPath))
	if errors.Is(err, os.ErrNotExist) {
		return checkpointMeta{}, nil
	}
	if err != nil {
		return checkpointMeta{}, err
	}
	var meta checkpointMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return checkpointMeta{}, fmt.Errorf("parse %s: %w", sidecarPath(modelPath), err)
	}
	return meta, nil
}

func (m checkpointMeta) threshold() (float64, bool) {
	if m.BestThreshold == nil || *m.BestThreshold <= 0 || *m.BestThreshold > 1 {
		return 0, false
	}
	return *m.BestThreshold, true
}

func initSession(modelPath string, meta checkpointMeta) (*detections.ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	size := int64(detections.InputSize)
	inputShape := ort.NewShape(1, 3, size, size)
	outputShape := ort.NewShape(1, 1, size, size)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	inputName, outputName := defaultInputName, defaultOutputName
	if meta.InputName != "" {
		inputName = meta.InputName
	}
	if meta.OutputName != "" {
		outputName = meta.OutputName
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &detections.ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		Size:    detections.InputSize,
	}, nil
}

// unavailableSegmenter stands in when no checkpoint loaded
type unavailableSegmenter struct {
	reason string
}

func (u unavailableSegmenter) Infer(context.Context, detections.Tensor) (detections.ProbabilityMap, error) {
	return detections.ProbabilityMap{}, perr.Inferencef("segmentation model is unavailable: %s", u.reason)
}
