package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spillguard/spill-detection-service/perr"
)

const (
	imageryBaseURL = "https://api.mapbox.com"
	imageryStyle   = "mapbox/satellite-v9"
	imageryZoom    = 17
	imageryWidth   = 1000
	imageryHeight  = 600
)

// ImageryClient fetches static satellite tiles from Mapbox
type ImageryClient struct {
	client
}

// NewImageryClient builds a client. o.APIKey is the Mapbox access token
func NewImageryClient(o Options) *ImageryClient {
	return &ImageryClient{client: newClient(o, "imagery", imageryBaseURL)}
}

// Fetch returns the encoded satellite image centred on lat, lon
func (c *ImageryClient) Fetch(ctx context.Context, lat, lon float64) ([]byte, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/styles/v1/%s/static/%s,%s,%d/%dx%d",
		imageryStyle, formatCoord(lon), formatCoord(lat), imageryZoom, imageryWidth, imageryHeight)
	q := url.Values{}
	q.Set("access_token", c.opts.APIKey)

	body, err := c.get(ctx, path, q, nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, perr.Providerf("imagery returned an empty body")
	}
	return body, nil
}
