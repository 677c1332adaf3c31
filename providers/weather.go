package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spillguard/spill-detection-service/perr"
	"github.com/spillguard/spill-detection-service/positions"
)

const weatherBaseURL = "https://api.openweathermap.org"

// WeatherClient fetches current conditions from OpenWeatherMap in metric units
type WeatherClient struct {
	client
}

// NewWeatherClient builds a client. o.APIKey is the OpenWeatherMap app id
func NewWeatherClient(o Options) *WeatherClient {
	return &WeatherClient{client: newClient(o, "weather", weatherBaseURL)}
}

type weatherResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main *struct {
		Temp     *float64 `json:"temp"`
		Pressure *float64 `json:"pressure"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Wind *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
	Rain *struct {
		OneHour *float64 `json:"1h"`
	} `json:"rain"`
	Clouds *struct {
		All *float64 `json:"all"`
	} `json:"clouds"`
}

// Fetch returns the weather at lat, lon. Fields missing from the response
// stay nil
func (c *WeatherClient) Fetch(ctx context.Context, lat, lon float64) (positions.Weather, error) {
	if err := c.requireKey(); err != nil {
		return positions.Weather{}, err
	}

	q := url.Values{}
	q.Set("lat", formatCoord(lat))
	q.Set("lon", formatCoord(lon))
	q.Set("appid", c.opts.APIKey)
	q.Set("units", "metric")

	body, err := c.get(ctx, "/data/2.5/weather", q, nil)
	if err != nil {
		return positions.Weather{}, err
	}

	var raw weatherResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return positions.Weather{}, perr.Wrap(err, perr.ErrorCodeProvider, "weather returned malformed json")
	}

	var w positions.Weather
	if len(raw.Weather) > 0 {
		if raw.Weather[0].Main != "" {
			w.Condition = positions.Ptr(raw.Weather[0].Main)
		}
		if raw.Weather[0].Description != "" {
			w.Description = positions.Ptr(raw.Weather[0].Description)
		}
	}
	if raw.Main != nil {
		w.Temperature = raw.Main.Temp
		w.Pressure = raw.Main.Pressure
		w.Humidity = raw.Main.Humidity
	}
	if raw.Wind != nil {
		w.WindSpeed = raw.Wind.Speed
	}
	if raw.Rain != nil && raw.Rain.OneHour != nil {
		w.Rain = positions.Ptr(fmt.Sprintf("%.1f mm/h", *raw.Rain.OneHour))
	}
	if raw.Clouds != nil {
		w.Clouds = raw.Clouds.All
	}
	return w, nil
}
