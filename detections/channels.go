package detections

import "sync"

// channelProcessor packs a single-channel square plane into a channel-first
// three channel buffer. The model expects RGB input but gets luminance only,
// so all three channels carry the same values
type channelProcessor struct {
	size        int
	channelSize int
	buffer      []float32
}

func newChannelProcessor(size int) *channelProcessor {
	return &channelProcessor{
		size:        size,
		channelSize: size * size,
		buffer:      make([]float32, size*size*3),
	}
}

// processChannels copies plane into each channel concurrently
func (cp *channelProcessor) processChannels(plane []float32) []float32 {
	var wg sync.WaitGroup
	wg.Add(3)

	for c := 0; c < 3; c++ {
		go func(channel int) {
			defer wg.Done()
			offset := channel * cp.channelSize
			copy(cp.buffer[offset:offset+cp.channelSize], plane)
		}(c)
	}

	wg.Wait()
	return cp.buffer
}
