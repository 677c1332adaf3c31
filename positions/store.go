// Package positions keeps recently fetched vessel positions so repeated
// lookups within a day do not hit the AIS provider again, and a permanent
// history of every provider fetch.
package positions

import (
	"context"
	"time"
)

const (
	// FreshnessWindow is the maximum age of an entry returned by LookupFresh
	FreshnessWindow = 24 * time.Hour
	// RetentionHorizon is the age after which stores purge cache entries
	RetentionHorizon = 24 * time.Hour

	defaultPurgeInterval = 10 * time.Minute
)

// Weather is the best effort weather snapshot at a vessel position.
// Every field is optional
type Weather struct {
	Condition   *string  `json:"weather,omitempty"`
	Description *string  `json:"weatherDescription,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	WindSpeed   *float64 `json:"windspeed,omitempty"`
	Rain        *string  `json:"rain,omitempty"`
	Clouds      *float64 `json:"clouds,omitempty"`
}

// Entry is one cached vessel position. Entries are immutable once stored
type Entry struct {
	VesselKey  string    `json:"vesselKey"`
	MMSI       string    `json:"mmsi"`
	IMO        int64     `json:"imo,omitempty"`
	Name       string    `json:"name,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Course     float64   `json:"cog"`
	Heading    float64   `json:"heading"`
	Length     float64   `json:"length,omitempty"`
	Width      float64   `json:"width,omitempty"`
	Draft      float64   `json:"draft,omitempty"`
	ObservedAt time.Time `json:"timestamp"`
	CachedAt   time.Time `json:"cachedAt"`
	Weather    *Weather  `json:"weather,omitempty"`
}

// Store is the time-bounded position cache
type Store interface {
	// LookupFresh returns the newest entry for key whose age at now does not
	// exceed FreshnessWindow. A missing or stale entry is not an error
	LookupFresh(ctx context.Context, key string, now time.Time) (Entry, bool, error)
	// Insert appends e with CachedAt set from the store clock and returns the
	// stored value. Existing entries are never overwritten
	Insert(ctx context.Context, e Entry) (Entry, error)
}

// HistoryRecorder keeps a permanent log of fetched positions
type HistoryRecorder interface {
	Record(ctx context.Context, e Entry, message string) error
}

// HistoryRecord is one row of the permanent vessel history
type HistoryRecord struct {
	Entry     Entry
	Message   string
	CreatedAt time.Time
}

// Option configures a store
type Option func(*options)

type options struct {
	now           func() time.Time
	purgeInterval time.Duration
}

func defaultOptions() options {
	return options{now: time.Now, purgeInterval: defaultPurgeInterval}
}

// WithClock replaces the clock used to stamp CachedAt and drive purges
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPurgeInterval sets how often expired entries are removed. A
// non-positive interval disables the background purge
func WithPurgeInterval(d time.Duration) Option {
	return func(o *options) { o.purgeInterval = d }
}

// fresh reports whether an entry cached at cachedAt is still usable at now
func fresh(cachedAt, now time.Time) bool {
	return now.Sub(cachedAt) <= FreshnessWindow
}

// expired reports whether an entry cached at cachedAt may be purged at now
func expired(cachedAt, now time.Time) bool {
	return now.Sub(cachedAt) > RetentionHorizon
}

// clone returns a deep copy so callers never share weather pointers with the store
func (e Entry) clone() Entry {
	if e.Weather != nil {
		w := *e.Weather
		w.Condition = clonePtr(w.Condition)
		w.Description = clonePtr(w.Description)
		w.Temperature = clonePtr(w.Temperature)
		w.Pressure = clonePtr(w.Pressure)
		w.Humidity = clonePtr(w.Humidity)
		w.WindSpeed = clonePtr(w.WindSpeed)
		w.Rain = clonePtr(w.Rain)
		w.Clouds = clonePtr(w.Clouds)
		e.Weather = &w
	}
	return e
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v, handy when filling optional Weather fields
func Ptr[T any](v T) *T { return &v }
