package main

import (
	"fmt"

	"github.com/spillguard/spill-detection-service/models"
)

const (
	MsgNoSpill = "No oil spill detected. The analyzed area looks like clean water or land."

	MsgTraces = "Traces of oil-like texture were found, but they cover too little of the image to count as a spill."

	MsgSpill = "Possible oil spill detected. The highlighted regions should be reviewed by an analyst."
)

func getSpillMessage(res *models.DetectionResult) string {
	switch {
	case res.IsSpill:
		return fmt.Sprintf("%s Coverage: %.2f%% in %d region(s).", MsgSpill, res.CoveragePercent, len(res.Regions))
	case res.SpillPixels > 0:
		return MsgTraces
	default:
		return MsgNoSpill
	}
}
