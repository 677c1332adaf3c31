package detections

import (
	"image"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Tensor is a channel-first model input of shape [1, 3, Size, Size]
type Tensor struct {
	Data []float32
	Size int
}

// Shape returns the tensor dimensions in NCHW order
func (t Tensor) Shape() [4]int { return [4]int{1, 3, t.Size, t.Size} }

// Gray is the single-channel intensity grid of the source image before resizing
type Gray struct {
	Width, Height int
	Pix           []float32
	// Scaled reports whether intensities were divided by 255
	Scaled bool
}

// Normalize converts img into the fixed-shape model input.
//
// The image is reduced to luminance, scaled to [0,1] when its maximum sample
// exceeds 1, resized with cubic interpolation so that the longer side equals
// size, padded to size x size by reflecting the border (reflect-101), and
// replicated into three identical channels.
//
// The resize runs on the 8-bit luminance image with imaging.CatmullRom
// (a = -0.5) and the [0,1] divide happens afterwards. A float resize with
// a = -0.75 bicubic gives tensors that differ from these in the low bits.
//
// The "max > 1" scaling test is a heuristic: an 8-bit image whose samples
// are all 0 or 1 is treated as already normalized and left unscaled.
//
// A zero-sized image is a caller error and panics.
func Normalize(img image.Image, size int) (Tensor, Gray) {
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		panic("detections: cannot normalize an empty image")
	}

	lum := luminance(img)
	gray := grayGrid(lum)

	w, h := fitLongest(b.Dx(), b.Dy(), size)
	var resized *image.NRGBA
	if w == b.Dx() && h == b.Dy() {
		resized = imaging.Clone(lum)
	} else {
		resized = imaging.Resize(lum, w, h, imaging.CatmullRom)
	}

	divisor := float32(1)
	if gray.Scaled {
		divisor = 255
	}
	plane := padReflect(resized, size, divisor)

	cp := newChannelProcessor(size)
	return Tensor{Data: cp.processChannels(plane), Size: size}, gray
}

// luminance returns a single-channel view of img. Gray sources pass through,
// colour sources use 0.299R + 0.587G + 0.114B
func luminance(img image.Image) *image.Gray {
	switch src := img.(type) {
	case *image.Gray:
		if src.Rect.Min == (image.Point{}) {
			return src
		}
		out := image.NewGray(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
		for y := 0; y < out.Rect.Dy(); y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+out.Rect.Dx()], src.Pix[src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y):])
		}
		return out
	case *image.Gray16:
		out := image.NewGray(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
		for y := 0; y < out.Rect.Dy(); y++ {
			for x := 0; x < out.Rect.Dx(); x++ {
				out.Pix[y*out.Stride+x] = uint8(src.Gray16At(src.Rect.Min.X+x, src.Rect.Min.Y+y).Y >> 8)
			}
		}
		return out
	}

	g := imaging.Grayscale(img)
	out := image.NewGray(g.Rect)
	for i := range out.Pix {
		out.Pix[i] = g.Pix[i*4]
	}
	return out
}

func grayGrid(lum *image.Gray) Gray {
	w, h := lum.Rect.Dx(), lum.Rect.Dy()
	pix := make([]float32, w*h)
	var maxV float32
	for y := 0; y < h; y++ {
		row := lum.Pix[y*lum.Stride : y*lum.Stride+w]
		for x, v := range row {
			f := float32(v)
			pix[y*w+x] = f
			if f > maxV {
				maxV = f
			}
		}
	}

	g := Gray{Width: w, Height: h, Pix: pix}
	if maxV > 1.0 {
		g.Scaled = true
		for i := range pix {
			pix[i] /= 255.0
		}
	}
	return g
}

// fitLongest scales (w, h) so that the longer side equals size
func fitLongest(w, h, size int) (int, int) {
	if w >= h {
		return size, max(1, int(math.Round(float64(h)*float64(size)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(size)/float64(h)))), size
}

// padReflect centres src on a size x size plane and fills the border by
// reflecting src without repeating the edge pixel (reflect-101)
func padReflect(src *image.NRGBA, size int, divisor float32) []float32 {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	top := (size - h) / 2
	left := (size - w) / 2

	cols := make([]int, size)
	for x := range cols {
		cols[x] = reflect101(x-left, w)
	}

	plane := make([]float32, size*size)
	numWorkers := runtime.NumCPU()
	rowsPerWorker := (size + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for start := 0; start < size; start += rowsPerWorker {
		end := min(start+rowsPerWorker, size)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				sy := reflect101(y-top, h)
				srcRow := src.Pix[sy*src.Stride:]
				dst := plane[y*size : (y+1)*size]
				for x, sx := range cols {
					dst[x] = float32(srcRow[sx*4]) / divisor
				}
			}
		}(start, end)
	}
	wg.Wait()

	return plane
}

// reflect101 maps i into [0, n) mirroring around the edge samples (dcb|abcd|cba)
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
