package detections

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures reports the vector extensions available to the inference runtime
func CPUFeatures() map[string]bool {
	features := map[string]bool{}
	switch runtime.GOARCH {
	case "amd64", "386":
		features["sse41"] = cpu.X86.HasSSE41
		features["avx2"] = cpu.X86.HasAVX2
		features["avx512f"] = cpu.X86.HasAVX512F
		features["fma"] = cpu.X86.HasFMA
	case "arm64":
		features["asimd"] = cpu.ARM64.HasASIMD
		features["fphp"] = cpu.ARM64.HasFPHP
		features["sve"] = cpu.ARM64.HasSVE
	}
	return features
}
