package detections

import (
	"math"
	"sort"

	"github.com/spillguard/spill-detection-service/models"
)

// IouThreshold merges region boxes that overlap more than this
const IouThreshold = 0.45

// findRegions labels 4-connected groups of masked pixels, drops groups below
// MinRegionPixels and merges boxes that overlap heavily. Regions are returned
// largest first
func findRegions(mask []bool, prob []float32, w, h int) []models.Region {
	labels := make([]int32, len(mask))
	var regions []models.Region
	queue := make([]int, 0, 64)

	for start, on := range mask {
		if !on || labels[start] != 0 {
			continue
		}
		label := int32(len(regions) + 1)
		labels[start] = label
		queue = append(queue[:0], start)

		r := models.Region{BBox: [4]int32{int32(w), int32(h), 0, 0}}
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%w, i/w

			r.Pixels++
			r.BBox[0] = min(r.BBox[0], int32(x))
			r.BBox[1] = min(r.BBox[1], int32(y))
			r.BBox[2] = max(r.BBox[2], int32(x+1))
			r.BBox[3] = max(r.BBox[3], int32(y+1))
			r.MaxConfidence = max(r.MaxConfidence, prob[i])

			for _, n := range neighbors(x, y, w, h) {
				if n >= 0 && mask[n] && labels[n] == 0 {
					labels[n] = label
					queue = append(queue, n)
				}
			}
		}
		regions = append(regions, r)
	}

	kept := regions[:0]
	for _, r := range regions {
		if r.Pixels >= MinRegionPixels {
			kept = append(kept, r)
		}
	}
	return mergeOverlapping(kept)
}

func neighbors(x, y, w, h int) [4]int {
	n := [4]int{-1, -1, -1, -1}
	if x > 0 {
		n[0] = y*w + x - 1
	}
	if x < w-1 {
		n[1] = y*w + x + 1
	}
	if y > 0 {
		n[2] = (y-1)*w + x
	}
	if y < h-1 {
		n[3] = (y+1)*w + x
	}
	return n
}

func mergeOverlapping(regions []models.Region) []models.Region {
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Pixels > regions[j].Pixels
	})

	var out []models.Region
	for _, r := range regions {
		merged := false
		for k := range out {
			if calculateIOU(out[k].BBox, r.BBox) > IouThreshold {
				out[k].BBox = mergeBoxes([][4]int32{out[k].BBox, r.BBox})
				out[k].Pixels += r.Pixels
				out[k].MaxConfidence = max(out[k].MaxConfidence, r.MaxConfidence)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, r)
		}
	}
	return out
}

func calculateIOU(box1, box2 [4]int32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64((box1[2] - box1[0]) * (box1[3] - box1[1]))
	area2 := float64((box2[2] - box2[0]) * (box2[3] - box2[1]))
	union := area1 + area2 - intersection

	return intersection / union
}

func mergeBoxes(boxes [][4]int32) [4]int32 {
	if len(boxes) == 0 {
		return [4]int32{0, 0, 0, 0}
	}

	result := boxes[0]
	for _, box := range boxes[1:] {
		result[0] = min(result[0], box[0])
		result[1] = min(result[1], box[1])
		result[2] = max(result[2], box[2])
		result[3] = max(result[3], box[3])
	}

	return result
}
