package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/spillguard/spill-detection-service/perr"
)

const aisBaseURL = "https://vessels1.p.rapidapi.com"

// Position is the last known AIS report of a vessel
type Position struct {
	MMSI       string
	IMO        int64
	Name       string
	Latitude   float64 `validate:"gte=-90,lte=90"`
	Longitude  float64 `validate:"gte=-180,lte=180"`
	Course     float64
	Heading    float64
	Length     float64
	Width      float64
	Draft      float64
	ObservedAt time.Time
}

// AISClient fetches vessel positions from the RapidAPI vessels service
type AISClient struct {
	client
	validate *validator.Validate
}

// NewAISClient builds a client. o.APIKey is the RapidAPI key
func NewAISClient(o Options) *AISClient {
	return &AISClient{
		client:   newClient(o, "ais", aisBaseURL),
		validate: validator.New(),
	}
}

type aisResponse struct {
	Data struct {
		MMSI         json.Number `json:"mmsi"`
		IMO          json.Number `json:"imo"`
		Name         string      `json:"name"`
		Length       float64     `json:"length"`
		Width        float64     `json:"width"`
		LastPosition *struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
			Course    *float64 `json:"course"`
			COG       *float64 `json:"cog"`
			Heading   float64  `json:"heading"`
			Draft     float64  `json:"draft"`
			Timestamp string   `json:"timestamp"`
		} `json:"last_position"`
	} `json:"data"`
}

// Fetch returns the last known position of the vessel with the given MMSI
func (c *AISClient) Fetch(ctx context.Context, mmsi string) (Position, error) {
	if err := c.requireKey(); err != nil {
		return Position{}, err
	}

	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return Position{}, perr.Wrap(err, perr.ErrorCodeProvider, "ais base url is invalid")
	}
	header := http.Header{}
	header.Set("X-RapidAPI-Key", c.opts.APIKey)
	header.Set("X-RapidAPI-Host", u.Host)
	header.Set("Accept", "application/json")

	body, err := c.get(ctx, "/vessels/"+url.PathEscape(mmsi), nil, header)
	if err != nil {
		return Position{}, err
	}

	var raw aisResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Position{}, perr.Wrap(err, perr.ErrorCodeProvider, "ais returned malformed json")
	}
	lp := raw.Data.LastPosition
	if lp == nil || lp.Latitude == nil || lp.Longitude == nil {
		return Position{}, perr.Providerf("ais has no position for vessel %s", mmsi)
	}

	pos := Position{
		MMSI:      mmsi,
		Name:      raw.Data.Name,
		Latitude:  *lp.Latitude,
		Longitude: *lp.Longitude,
		Course:    firstOf(lp.Course, lp.COG),
		Heading:   lp.Heading,
		Length:    raw.Data.Length,
		Width:     raw.Data.Width,
		Draft:     lp.Draft,
	}
	if raw.Data.MMSI != "" {
		pos.MMSI = raw.Data.MMSI.String()
	}
	if imo, err := strconv.ParseInt(raw.Data.IMO.String(), 10, 64); err == nil {
		pos.IMO = imo
	}
	// a report without a usable timestamp is stamped with the fetch time
	pos.ObservedAt = c.now().UTC()
	if ts, err := time.Parse(time.RFC3339, lp.Timestamp); err == nil {
		pos.ObservedAt = ts.UTC()
	}

	if err := c.validate.Struct(pos); err != nil {
		return Position{}, perr.Wrap(err, perr.ErrorCodeProvider, "ais returned an invalid position")
	}
	return pos, nil
}

func firstOf(vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}
