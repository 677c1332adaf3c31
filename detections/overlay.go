package detections

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// RenderOverlay desaturates img, paints masked pixels pure red on a copy and
// blends the copy over the grey background (70/30). The result is PNG encoded.
// mask is row-major and must match the image size
func RenderOverlay(img image.Image, mask []bool) ([]byte, error) {
	out, err := overlayImage(img, mask)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func overlayImage(img image.Image, mask []bool) (*image.NRGBA, error) {
	lum := luminance(img)
	w, h := lum.Rect.Dx(), lum.Rect.Dy()
	if len(mask) != w*h {
		return nil, fmt.Errorf("mask has %d pixels, image has %dx%d", len(mask), w, h)
	}

	// blended channel levels for every grey level of a masked pixel
	var redLUT, restLUT [256]uint8
	for g := range 256 {
		redLUT[g] = addWeighted(uint8(g), 255)
		restLUT[g] = addWeighted(uint8(g), 0)
	}

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := lum.Pix[y*lum.Stride+x]
			i := y*out.Stride + x*4
			if mask[y*w+x] {
				out.Pix[i], out.Pix[i+1], out.Pix[i+2] = redLUT[g], restLUT[g], restLUT[g]
			} else {
				out.Pix[i], out.Pix[i+1], out.Pix[i+2] = g, g, g
			}
			out.Pix[i+3] = 0xff
		}
	}
	return out, nil
}

// addWeighted blends one channel of the background with the highlight layer
func addWeighted(background, highlight uint8) uint8 {
	v := int(background)*(100-OverlayHighlightPercent) + int(highlight)*OverlayHighlightPercent
	return uint8(min(255, (v+50)/100))
}
