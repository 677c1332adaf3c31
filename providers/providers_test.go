package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spillguard/spill-detection-service/perr"
)

func TestAISFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vessels/353136000", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-RapidAPI-Key"))
		require.NotEmpty(t, r.Header.Get("X-RapidAPI-Host"))
		_, _ = w.Write([]byte(`{"data":{"mmsi":353136000,"imo":9811000,"name":"EVER GIVEN","length":400,"width":59,
			"last_position":{"latitude":30.0176,"longitude":32.5799,"course":155.2,"heading":154,"draft":15.7,
			"timestamp":"2025-03-23T07:40:00Z"}}}`))
	}))
	defer srv.Close()

	c := NewAISClient(Options{BaseURL: srv.URL, APIKey: "secret"})
	pos, err := c.Fetch(context.Background(), "353136000")
	require.NoError(t, err)
	require.Equal(t, "353136000", pos.MMSI)
	require.Equal(t, int64(9811000), pos.IMO)
	require.Equal(t, "EVER GIVEN", pos.Name)
	require.InDelta(t, 30.0176, pos.Latitude, 1e-9)
	require.InDelta(t, 32.5799, pos.Longitude, 1e-9)
	require.InDelta(t, 155.2, pos.Course, 1e-9)
	require.Equal(t, 400.0, pos.Length)
	require.Equal(t, time.Date(2025, 3, 23, 7, 40, 0, 0, time.UTC), pos.ObservedAt)
}

func TestAISFetchCourseAndTimestampFallbacks(t *testing.T) {
	cases := map[string]struct {
		body   string
		course float64
	}{
		"course field":         {`{"data":{"last_position":{"latitude":30,"longitude":32.5,"course":155.2}}}`, 155.2},
		"cog only":             {`{"data":{"last_position":{"latitude":30,"longitude":32.5,"cog":87}}}`, 87},
		"course wins over cog": {`{"data":{"last_position":{"latitude":30,"longitude":32.5,"course":12,"cog":87,"timestamp":"yesterday"}}}`, 12},
	}
	fetchedAt := time.Date(2025, 3, 23, 8, 0, 0, 0, time.UTC)
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewAISClient(Options{BaseURL: srv.URL, APIKey: "k"})
			c.now = func() time.Time { return fetchedAt }
			pos, err := c.Fetch(context.Background(), "353136000")
			require.NoError(t, err)
			require.InDelta(t, tc.course, pos.Course, 1e-9)
			require.Equal(t, fetchedAt, pos.ObservedAt)
		})
	}
}

func TestAISFetchFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		},
		"malformed json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":`))
		},
		"no position": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"name":"GHOST"}}`))
		},
		"out of range": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"last_position":{"latitude":91,"longitude":0}}}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewAISClient(Options{BaseURL: srv.URL, APIKey: "k"}).Fetch(context.Background(), "1")
			require.True(t, perr.IsCode(err, perr.ErrorCodeProvider), "got %v", err)
		})
	}
}

func TestAISFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewAISClient(Options{BaseURL: url, APIKey: "k"}).Fetch(context.Background(), "1")
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
}

func TestMissingAPIKey(t *testing.T) {
	_, err := NewAISClient(Options{BaseURL: "http://127.0.0.1:1"}).Fetch(context.Background(), "1")
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
	_, err = NewWeatherClient(Options{BaseURL: "http://127.0.0.1:1"}).Fetch(context.Background(), 1, 2)
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
	_, err = NewImageryClient(Options{BaseURL: "http://127.0.0.1:1"}).Fetch(context.Background(), 1, 2)
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewImageryClient(Options{BaseURL: srv.URL, APIKey: "k", Timeout: 20 * time.Millisecond})
	start := time.Now()
	_, err := c.Fetch(context.Background(), 1, 2)
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestWeatherFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/data/2.5/weather", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "30.017600", q.Get("lat"))
		require.Equal(t, "32.579900", q.Get("lon"))
		require.Equal(t, "metric", q.Get("units"))
		require.Equal(t, "owm", q.Get("appid"))
		_, _ = w.Write([]byte(`{"weather":[{"main":"Clear","description":"clear sky"}],
			"main":{"temp":24.3,"pressure":1012,"humidity":40},"wind":{"speed":5.1},"clouds":{"all":0}}`))
	}))
	defer srv.Close()

	w, err := NewWeatherClient(Options{BaseURL: srv.URL, APIKey: "owm"}).Fetch(context.Background(), 30.0176, 32.5799)
	require.NoError(t, err)
	require.Equal(t, "Clear", *w.Condition)
	require.Equal(t, "clear sky", *w.Description)
	require.Equal(t, 24.3, *w.Temperature)
	require.Equal(t, 40.0, *w.Humidity)
	require.Equal(t, 5.1, *w.WindSpeed)
	require.Equal(t, 0.0, *w.Clouds)
	require.Nil(t, w.Rain)
}

func TestWeatherFetchPartialResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"rain":{"1h":0.42}}`))
	}))
	defer srv.Close()

	w, err := NewWeatherClient(Options{BaseURL: srv.URL, APIKey: "owm"}).Fetch(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Nil(t, w.Condition)
	require.Nil(t, w.Temperature)
	require.Equal(t, "0.4 mm/h", *w.Rain)
}

func TestImageryFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/styles/v1/mapbox/satellite-v9/static/32.579900,30.017600,17/1000x600", r.URL.Path)
		require.Equal(t, "tok", r.URL.Query().Get("access_token"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake"))
	}))
	defer srv.Close()

	body, err := NewImageryClient(Options{BaseURL: srv.URL, APIKey: "tok"}).Fetch(context.Background(), 30.0176, 32.5799)
	require.NoError(t, err)
	require.Equal(t, []byte("\x89PNG fake"), body)
}

func TestImageryEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	_, err := NewImageryClient(Options{BaseURL: srv.URL, APIKey: "tok"}).Fetch(context.Background(), 1, 1)
	require.True(t, perr.IsCode(err, perr.ErrorCodeProvider))
}
