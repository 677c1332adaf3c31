package detections

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"

	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/models"
	"github.com/spillguard/spill-detection-service/perr"
)

// Segmenter maps a normalized tensor to a per-pixel probability map of the
// same spatial size. Implementations must be safe for concurrent use
type Segmenter interface {
	Infer(ctx context.Context, input Tensor) (ProbabilityMap, error)
}

// Config is built once at startup and never mutated afterwards
type Config struct {
	Threshold float64
	InputSize int
}

// DefaultConfig returns the configuration used when no checkpoint overrides it
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, InputSize: InputSize}
}

// Detector runs the normalization, inference, thresholding and overlay pipeline
type Detector struct {
	cfg       Config
	model     Segmenter
	log       *logger.Logger
	debug     bool
	maxPixels int64
}

// Option tweaks a Detector at construction
type Option func(*Detector)

// WithDebugTimings logs per-stage durations for every call
func WithDebugTimings(on bool) Option {
	return func(d *Detector) { d.debug = on }
}

// WithMaxImagePixels replaces MaxImagePixels as the decode limit of DetectBytes
func WithMaxImagePixels(n int64) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxPixels = n
		}
	}
}

// NewDetector builds a Detector around model
func NewDetector(cfg Config, model Segmenter, opts ...Option) *Detector {
	if cfg.InputSize <= 0 {
		cfg.InputSize = InputSize
	}
	d := &Detector{cfg: cfg, model: model, log: logger.Named("detector"), maxPixels: MaxImagePixels}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the immutable detector configuration
func (d *Detector) Config() Config { return d.cfg }

// DetectBytes decodes raw (PNG, JPEG, GIF, BMP or TIFF) and runs Detect on it.
// Images whose header claims more than the pixel limit are rejected before
// the raster is allocated
func (d *Detector) DetectBytes(ctx context.Context, raw []byte) (*models.DetectionResult, error) {
	if len(raw) == 0 {
		return nil, perr.InvalidInputf("image is empty")
	}
	start := time.Now()
	hdr, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidInput, "failed to decode image")
	}
	if px := int64(hdr.Width) * int64(hdr.Height); px > d.maxPixels {
		return nil, perr.InvalidInputf("image is %dx%d, over the %d pixel limit", hdr.Width, hdr.Height, d.maxPixels)
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidInput, "failed to decode image")
	}
	decode := time.Since(start)

	res, timings, err := d.detect(ctx, img)
	if timings != nil {
		timings.ImageDecode = decode
		timings.Total += decode
		d.logTimings(timings)
	}
	return res, err
}

// Detect runs the full pipeline on img. All statistics and the overlay are
// computed at the image's own resolution, not the model's
func (d *Detector) Detect(ctx context.Context, img image.Image) (*models.DetectionResult, error) {
	res, timings, err := d.detect(ctx, img)
	if timings != nil {
		d.logTimings(timings)
	}
	return res, err
}

func (d *Detector) detect(ctx context.Context, img image.Image) (res *models.DetectionResult, timings *models.ProcessingTimings, err error) {
	if img == nil || img.Bounds().Empty() {
		return nil, nil, perr.InvalidInputf("image has no pixels")
	}
	if d.model == nil {
		return nil, nil, perr.Inferencef("segmentation model is not loaded")
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = perr.Inferencef("detection panicked: %v", r)
		}
	}()

	timings = &models.ProcessingTimings{RequestID: logger.RequestID(ctx)}
	startTotal := time.Now()
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	start := time.Now()
	tensor, _ := Normalize(img, d.cfg.InputSize)
	timings.Preprocess = time.Since(start)

	start = time.Now()
	prob, err := d.model.Infer(ctx, tensor)
	if err != nil {
		return nil, timings, perr.Ensure(err, perr.ErrorCodeInference, "model inference failed")
	}
	if prob.Width*prob.Height != len(prob.Values) || len(prob.Values) == 0 {
		return nil, timings, perr.Inferencef("model returned %d values for a %dx%d map", len(prob.Values), prob.Width, prob.Height)
	}
	timings.Inference = time.Since(start)

	start = time.Now()
	resized := prob.Resize(w, h)
	st := resized.Threshold(d.cfg.Threshold)
	timings.Postprocess = time.Since(start)

	start = time.Now()
	overlay, err := RenderOverlay(img, st.Mask)
	if err != nil {
		return nil, timings, perr.Wrap(err, perr.ErrorCodeInference, "overlay rendering failed")
	}
	timings.Overlay = time.Since(start)

	start = time.Now()
	regions := findRegions(st.Mask, resized.Values, w, h)
	timings.Regions = time.Since(start)
	timings.Total = time.Since(startTotal)

	return &models.DetectionResult{
		IsSpill:         st.IsSpill,
		CoveragePercent: st.CoveragePercent,
		MaxConfidence:   st.MaxConfidence,
		Overlay:         overlay,
		Threshold:       d.cfg.Threshold,
		SpillPixels:     st.SpillPixels,
		TotalPixels:     st.TotalPixels,
		Width:           w,
		Height:          h,
		Regions:         regions,
	}, timings, nil
}

func (d *Detector) logTimings(t *models.ProcessingTimings) {
	if !d.debug {
		return
	}
	d.log.Debug().
		Str("request_id", t.RequestID).
		Dur("image_decode", t.ImageDecode).
		Dur("preprocess", t.Preprocess).
		Dur("inference", t.Inference).
		Dur("postprocess", t.Postprocess).
		Dur("overlay", t.Overlay).
		Dur("regions", t.Regions).
		Dur("total", t.Total).
		Msg("processing times")
}

// String is used in logs
func (c Config) String() string {
	return fmt.Sprintf("threshold=%.3f input=%dx%d", c.Threshold, c.InputSize, c.InputSize)
}
