package detections

import (
	"context"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// ModelSession is one ONNX Runtime session with its bound input and output
// tensors. A session is not safe for concurrent Run calls; callers hand
// sessions out through a pool
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
	Size    int
}

// Destroy releases the native resources held by the session
func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// Run copies input into the bound tensor, runs the network and turns the
// logits into probabilities
func (m *ModelSession) Run(ctx context.Context, input Tensor) (ProbabilityMap, error) {
	if err := ctx.Err(); err != nil {
		return ProbabilityMap{}, err
	}
	if input.Size != m.Size {
		return ProbabilityMap{}, fmt.Errorf("input is %dx%d, session expects %dx%d", input.Size, input.Size, m.Size, m.Size)
	}

	dst := m.Input.GetData()
	if len(dst) != len(input.Data) {
		return ProbabilityMap{}, fmt.Errorf("prepare input buffer: got %d values, want %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if err := m.Session.Run(); err != nil {
		return ProbabilityMap{}, fmt.Errorf("model inference: %w", err)
	}

	return sigmoidMap(m.Output.GetData(), m.Size), nil
}

// sigmoidMap converts the first size*size logits into a probability map
func sigmoidMap(logits []float32, size int) ProbabilityMap {
	n := size * size
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(1 / (1 + math.Exp(-float64(logits[i]))))
	}
	return ProbabilityMap{Width: size, Height: size, Values: values}
}
