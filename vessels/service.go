package vessels

import (
	"context"
	"time"

	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/models"
	"github.com/spillguard/spill-detection-service/perr"
	"github.com/spillguard/spill-detection-service/positions"
	"github.com/spillguard/spill-detection-service/providers"
)

const (
	// DefaultCallTimeout bounds every external call made while building a report
	DefaultCallTimeout = 10 * time.Second

	historyMessage = "API Fetch"
)

// PositionProvider returns the last AIS position of a vessel
type PositionProvider interface {
	Fetch(ctx context.Context, mmsi string) (providers.Position, error)
}

// WeatherProvider returns current weather at a coordinate
type WeatherProvider interface {
	Fetch(ctx context.Context, lat, lon float64) (positions.Weather, error)
}

// ImageryProvider returns an encoded satellite image centred on a coordinate
type ImageryProvider interface {
	Fetch(ctx context.Context, lat, lon float64) ([]byte, error)
}

// SpillDetector runs spill detection on an encoded image
type SpillDetector interface {
	DetectBytes(ctx context.Context, raw []byte) (*models.DetectionResult, error)
}

// Report is the outcome of one vessel lookup
type Report struct {
	Vessel positions.Entry
	// Cached is true when the position came from the cache
	Cached bool
	// SatelliteImage is nil when imagery could not be fetched
	SatelliteImage []byte
	// Detection is nil when there is no image or detection failed
	Detection      *models.DetectionResult
	ImageryError   *perr.Wire
	DetectionError *perr.Wire
}

// Deps are the collaborators of a Service. History may be nil
type Deps struct {
	Store    positions.Store
	History  positions.HistoryRecorder
	AIS      PositionProvider
	Weather  WeatherProvider
	Imagery  ImageryProvider
	Detector SpillDetector
}

// Service is the fetch orchestrator
type Service struct {
	deps    Deps
	timeout time.Duration
	log     *logger.Logger
}

// NewService builds a Service. A non-positive timeout uses DefaultCallTimeout
func NewService(deps Deps, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Service{deps: deps, timeout: timeout, log: logger.Named("vessels")}
}

// ResolveAndDetect resolves key, finds the vessel position in the cache or
// from the AIS provider, and runs spill detection on a fresh satellite image
// of that position. Only key resolution and a failed AIS fetch on a cache miss
// fail the call; weather, imagery and detection degrade to absent fields
func (s *Service) ResolveAndDetect(ctx context.Context, key string, now time.Time) (*Report, error) {
	mmsi, err := Resolve(key)
	if err != nil {
		return nil, err
	}
	log := logger.C(ctx).With().Str("mmsi", mmsi).Logger()

	entry, hit := s.lookup(ctx, mmsi, now)
	if !hit {
		entry, err = s.fetchPosition(ctx, mmsi)
		if err != nil {
			log.Warn().Err(err).Msg("position fetch failed")
			return nil, err
		}
		entry.Weather = s.fetchWeather(ctx, entry.Latitude, entry.Longitude)
	}

	report := &Report{Vessel: entry, Cached: hit}
	s.attachDetection(ctx, report)

	if !hit {
		s.store(ctx, report)
	}

	ev := log.Info().Bool("cached", hit).Bool("image", report.SatelliteImage != nil)
	if report.Detection != nil {
		ev = ev.Bool("is_spill", report.Detection.IsSpill).Float64("coverage", report.Detection.CoveragePercent)
	}
	ev.Msg("vessel report built")
	return report, nil
}

func (s *Service) lookup(ctx context.Context, mmsi string, now time.Time) (positions.Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, ok, err := s.deps.Store.LookupFresh(ctx, mmsi, now)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Str("mmsi", mmsi).Msg("position cache lookup failed, treating as miss")
		return positions.Entry{}, false
	}
	return entry, ok
}

func (s *Service) fetchPosition(ctx context.Context, mmsi string) (positions.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pos, err := s.deps.AIS.Fetch(ctx, mmsi)
	if err != nil {
		return positions.Entry{}, perr.Ensure(err, perr.ErrorCodeProvider, "vessel position fetch failed")
	}
	return positions.Entry{
		VesselKey:  mmsi,
		MMSI:       pos.MMSI,
		IMO:        pos.IMO,
		Name:       pos.Name,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Course:     pos.Course,
		Heading:    pos.Heading,
		Length:     pos.Length,
		Width:      pos.Width,
		Draft:      pos.Draft,
		ObservedAt: pos.ObservedAt,
	}, nil
}

func (s *Service) fetchWeather(ctx context.Context, lat, lon float64) *positions.Weather {
	if s.deps.Weather == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w, err := s.deps.Weather.Fetch(ctx, lat, lon)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Msg("weather fetch failed, continuing without weather")
		return nil
	}
	return &w
}

func (s *Service) attachDetection(ctx context.Context, r *Report) {
	img, err := s.fetchImage(ctx, r.Vessel.Latitude, r.Vessel.Longitude)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Msg("imagery fetch failed, continuing without detection")
		w := perr.WireFrom(perr.Ensure(err, perr.ErrorCodeProvider, "satellite image fetch failed"))
		r.ImageryError = &w
		return
	}
	r.SatelliteImage = img

	res, err := s.deps.Detector.DetectBytes(ctx, img)
	if err != nil {
		logger.C(ctx).Error().Err(err).Msg("spill detection failed on satellite image")
		w := perr.WireFrom(perr.Ensure(err, perr.ErrorCodeInference, "spill detection failed"))
		r.DetectionError = &w
		return
	}
	r.Detection = res
}

func (s *Service) fetchImage(ctx context.Context, lat, lon float64) ([]byte, error) {
	if s.deps.Imagery == nil {
		return nil, perr.Providerf("no imagery provider configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.deps.Imagery.Fetch(ctx, lat, lon)
}

// store writes the freshly fetched position through to the cache and history.
// Failures are logged, the report is still returned
func (s *Service) store(ctx context.Context, r *Report) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stored, err := s.deps.Store.Insert(ctx, r.Vessel)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Msg("position cache write failed")
	} else {
		r.Vessel = stored
	}

	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.Record(ctx, r.Vessel, historyMessage); err != nil {
		logger.C(ctx).Warn().Err(err).Msg("vessel history write failed")
	}
}
