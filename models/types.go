package models

import "time"

// Region is one connected group of detected pixels
type Region struct {
	BBox          [4]int32 `json:"bbox"` // x1, y1, x2, y2 (exclusive)
	Pixels        int      `json:"pixels"`
	MaxConfidence float32  `json:"max_confidence"`
}

// DetectionResult is the outcome of running the segmentation pipeline on one image
type DetectionResult struct {
	IsSpill         bool
	CoveragePercent float64
	MaxConfidence   float64
	// Overlay is the PNG encoded visualization
	Overlay []byte

	Threshold   float64
	SpillPixels int
	TotalPixels int
	Width       int
	Height      int
	Regions     []Region
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Overlay     time.Duration
	Regions     time.Duration
	Total       time.Duration
}
