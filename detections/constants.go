package detections

const (
	// InputSize is the square side of the model input and output
	InputSize = 512
	// DefaultThreshold is the per-pixel probability cutoff used when no checkpoint overrides it
	DefaultThreshold = 0.65
	// SpillCoverageThreshold is the image-level coverage percent above which an image counts as a spill
	SpillCoverageThreshold = 1.0
	// OverlayHighlightPercent is the weight of the highlight layer in the rendered overlay
	OverlayHighlightPercent = 30
	// MinRegionPixels drops connected regions smaller than this from the region summary
	MinRegionPixels = 4
	// MaxImagePixels caps W*H of an encoded image before it is decoded
	MaxImagePixels = 89_478_485
)
