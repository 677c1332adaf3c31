package vessels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spillguard/spill-detection-service/models"
	"github.com/spillguard/spill-detection-service/perr"
	"github.com/spillguard/spill-detection-service/positions"
	"github.com/spillguard/spill-detection-service/providers"
)

var now = time.Date(2025, 3, 23, 8, 0, 0, 0, time.UTC)

type fakeAIS struct {
	pos   providers.Position
	err   error
	calls atomic.Int32
}

func (f *fakeAIS) Fetch(_ context.Context, mmsi string) (providers.Position, error) {
	f.calls.Add(1)
	if f.err != nil {
		return providers.Position{}, f.err
	}
	p := f.pos
	p.MMSI = mmsi
	return p, nil
}

type fakeWeather struct {
	w   positions.Weather
	err error
}

func (f *fakeWeather) Fetch(context.Context, float64, float64) (positions.Weather, error) {
	return f.w, f.err
}

type fakeImagery struct {
	img      []byte
	err      error
	lat, lon float64
	calls    atomic.Int32
}

func (f *fakeImagery) Fetch(_ context.Context, lat, lon float64) ([]byte, error) {
	f.calls.Add(1)
	f.lat, f.lon = lat, lon
	return f.img, f.err
}

type fakeDetector struct {
	res *models.DetectionResult
	err error
}

func (f *fakeDetector) DetectBytes(context.Context, []byte) (*models.DetectionResult, error) {
	return f.res, f.err
}

// failingStore errors on every call
type failingStore struct{ inserts atomic.Int32 }

func (f *failingStore) LookupFresh(context.Context, string, time.Time) (positions.Entry, bool, error) {
	return positions.Entry{}, false, errors.New("connection refused")
}

func (f *failingStore) Insert(context.Context, positions.Entry) (positions.Entry, error) {
	f.inserts.Add(1)
	return positions.Entry{}, errors.New("connection refused")
}

type fixture struct {
	store    *positions.MemoryStore
	ais      *fakeAIS
	weather  *fakeWeather
	imagery  *fakeImagery
	detector *fakeDetector
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: positions.NewMemoryStore(positions.WithClock(func() time.Time { return now }), positions.WithPurgeInterval(0)),
		ais: &fakeAIS{pos: providers.Position{
			Name: "EVER GIVEN", IMO: 9811000, Latitude: 30.0176, Longitude: 32.5799, Course: 155,
		}},
		weather:  &fakeWeather{w: positions.Weather{Condition: positions.Ptr("Clear")}},
		imagery:  &fakeImagery{img: []byte("png")},
		detector: &fakeDetector{res: &models.DetectionResult{IsSpill: true, CoveragePercent: 3.5}},
	}
	t.Cleanup(f.store.Close)
	f.svc = f.build(f.store)
	return f
}

func (f *fixture) build(store positions.Store) *Service {
	return NewService(Deps{
		Store:    store,
		History:  f.store,
		AIS:      f.ais,
		Weather:  f.weather,
		Imagery:  f.imagery,
		Detector: f.detector,
	}, time.Second)
}

func TestResolve(t *testing.T) {
	cases := map[string]string{
		"353136000":     "353136000",
		"EVER GIVEN":    "353136000",
		"ever given":    "353136000",
		" Ever  Given ": "353136000",
		"evergreen":     "353136000",
		"Compass":       "244110352",
	}
	for in, want := range cases {
		got, err := Resolve(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := Resolve("  ")
	require.True(t, perr.IsCode(err, perr.ErrorCodeInvalidInput))
	_, err = Resolve("TITANIC")
	require.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
	_, err = Resolve("12345678")
	require.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
}

func TestMissFetchesAndWritesThrough(t *testing.T) {
	f := newFixture(t)

	rep, err := f.svc.ResolveAndDetect(context.Background(), "ever given", now)
	require.NoError(t, err)
	require.False(t, rep.Cached)
	require.Equal(t, "353136000", rep.Vessel.VesselKey)
	require.Equal(t, "Clear", *rep.Vessel.Weather.Condition)
	require.Equal(t, now, rep.Vessel.CachedAt)
	require.Equal(t, []byte("png"), rep.SatelliteImage)
	require.True(t, rep.Detection.IsSpill)
	require.Nil(t, rep.DetectionError)
	require.Equal(t, 30.0176, f.imagery.lat)

	cached, ok, err := f.store.LookupFresh(context.Background(), "353136000", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rep.Vessel, cached)
	require.Len(t, f.store.History("353136000"), 1)
}

func TestHitSkipsAISAndRefetchesImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveAndDetect(ctx, "353136000", now)
	require.NoError(t, err)

	rep, err := f.svc.ResolveAndDetect(ctx, "353136000", now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, rep.Cached)
	require.Equal(t, int32(1), f.ais.calls.Load())
	require.Equal(t, int32(2), f.imagery.calls.Load())
	require.Equal(t, 1, f.store.Len())
	require.NotNil(t, rep.Detection)
}

func TestMissWithAISFailureDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	f.ais.err = perr.Providerf("ais unexpected status 500")

	rep, err := f.svc.ResolveAndDetect(context.Background(), "353136000", now)
	require.Nil(t, rep)
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
	require.Zero(t, f.store.Len())
	require.Zero(t, f.imagery.calls.Load())
	require.Empty(t, f.store.History("353136000"))
}

func TestMissWithUncodedAISFailureIsProviderError(t *testing.T) {
	f := newFixture(t)
	f.ais.err = errors.New("dial tcp: timeout")

	_, err := f.svc.ResolveAndDetect(context.Background(), "353136000", now)
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
}

func TestHitWithImageryFailureKeepsCachedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveAndDetect(ctx, "353136000", now)
	require.NoError(t, err)

	f.imagery.err = perr.Providerf("imagery unexpected status 503")
	f.imagery.img = nil

	rep, err := f.svc.ResolveAndDetect(ctx, "353136000", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, rep.Cached)
	require.Equal(t, "EVER GIVEN", rep.Vessel.Name)
	require.Equal(t, 30.0176, rep.Vessel.Latitude)
	require.Equal(t, "Clear", *rep.Vessel.Weather.Condition)
	require.Nil(t, rep.SatelliteImage)
	require.Nil(t, rep.Detection)
	require.NotNil(t, rep.ImageryError)
	require.Equal(t, perr.ErrorCodeProvider, rep.ImageryError.Code)
}

func TestWeatherFailureDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	f.weather.err = errors.New("owm down")

	rep, err := f.svc.ResolveAndDetect(context.Background(), "353136000", now)
	require.NoError(t, err)
	require.Nil(t, rep.Vessel.Weather)

	cached, ok, err := f.store.LookupFresh(context.Background(), "353136000", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, cached.Weather)
}

func TestDetectionFailureIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.detector.res = nil
	f.detector.err = perr.Inferencef("model exploded")

	rep, err := f.svc.ResolveAndDetect(context.Background(), "353136000", now)
	require.NoError(t, err)
	require.Nil(t, rep.Detection)
	require.NotNil(t, rep.SatelliteImage)
	require.NotNil(t, rep.DetectionError)
	require.Equal(t, perr.ErrorCodeInference, rep.DetectionError.Code)
	// the position is still cached
	require.Equal(t, 1, f.store.Len())
}

func TestStoreFailuresAreNotFatal(t *testing.T) {
	f := newFixture(t)
	broken := &failingStore{}
	svc := f.build(broken)

	rep, err := svc.ResolveAndDetect(context.Background(), "353136000", now)
	require.NoError(t, err)
	require.False(t, rep.Cached)
	require.Equal(t, int32(1), f.ais.calls.Load())
	require.Equal(t, int32(1), broken.inserts.Load())
	require.NotNil(t, rep.Detection)
}

func TestKeyErrorsShortCircuit(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ResolveAndDetect(context.Background(), "", now)
	require.True(t, perr.IsCode(err, perr.ErrorCodeInvalidInput))
	_, err = f.svc.ResolveAndDetect(context.Background(), "unknown ship", now)
	require.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
	require.Zero(t, f.ais.calls.Load())
}

func TestStaleEntryIsRefetched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveAndDetect(ctx, "353136000", now)
	require.NoError(t, err)

	rep, err := f.svc.ResolveAndDetect(ctx, "353136000", now.Add(25*time.Hour))
	require.NoError(t, err)
	require.False(t, rep.Cached)
	require.Equal(t, int32(2), f.ais.calls.Load())
}
