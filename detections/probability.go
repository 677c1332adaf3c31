package detections

import "math"

// ProbabilityMap is a row-major grid of per-pixel spill probabilities
type ProbabilityMap struct {
	Width, Height int
	Values        []float32
}

// Resize returns the map resampled to w x h with bilinear interpolation.
// Sample positions are pixel-centre aligned, matching OpenCV INTER_LINEAR
func (p ProbabilityMap) Resize(w, h int) ProbabilityMap {
	if w == p.Width && h == p.Height {
		out := make([]float32, len(p.Values))
		copy(out, p.Values)
		return ProbabilityMap{Width: w, Height: h, Values: out}
	}

	xs := linearTaps(p.Width, w)
	ys := linearTaps(p.Height, h)
	out := make([]float32, w*h)
	for y, ty := range ys {
		r0 := p.Values[ty.i0*p.Width : (ty.i0+1)*p.Width]
		r1 := p.Values[ty.i1*p.Width : (ty.i1+1)*p.Width]
		for x, tx := range xs {
			top := r0[tx.i0]*(1-tx.a) + r0[tx.i1]*tx.a
			bottom := r1[tx.i0]*(1-tx.a) + r1[tx.i1]*tx.a
			out[y*w+x] = top*(1-ty.a) + bottom*ty.a
		}
	}
	return ProbabilityMap{Width: w, Height: h, Values: out}
}

type tap struct {
	i0, i1 int
	a      float32
}

// linearTaps precomputes the two source indices and the weight of the second
// one for every destination index along one axis
func linearTaps(src, dst int) []tap {
	taps := make([]tap, dst)
	scale := float64(src) / float64(dst)
	for d := range taps {
		f := (float64(d)+0.5)*scale - 0.5
		if f < 0 {
			f = 0
		}
		i0 := int(math.Floor(f))
		if i0 >= src-1 {
			taps[d] = tap{i0: src - 1, i1: src - 1}
			continue
		}
		taps[d] = tap{i0: i0, i1: i0 + 1, a: float32(f - float64(i0))}
	}
	return taps
}

// Stats is the thresholded view of a probability map
type Stats struct {
	Mask            []bool
	SpillPixels     int
	TotalPixels     int
	CoveragePercent float64
	MaxConfidence   float64
	IsSpill         bool
}

// Threshold builds the binary mask (prob >= threshold) and the coverage
// statistics at the map's own resolution
func (p ProbabilityMap) Threshold(threshold float64) Stats {
	st := Stats{
		Mask:        make([]bool, len(p.Values)),
		TotalPixels: p.Width * p.Height,
	}
	t := float32(threshold)
	var maxV float32
	for i, v := range p.Values {
		if v >= t {
			st.Mask[i] = true
			st.SpillPixels++
		}
		if i == 0 || v > maxV {
			maxV = v
		}
	}
	st.MaxConfidence = float64(maxV)
	if st.TotalPixels > 0 {
		st.CoveragePercent = float64(st.SpillPixels) * 100 / float64(st.TotalPixels)
	}
	st.IsSpill = st.CoveragePercent > SpillCoverageThreshold
	return st
}
