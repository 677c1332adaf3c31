package positions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/perr"
)

// Schema creates the cache and history tables. Postgres has no TTL index so
// expiry is done by the purge loop
const Schema = `
CREATE TABLE IF NOT EXISTS vessel_cache (
	id                  BIGSERIAL PRIMARY KEY,
	vessel_key          TEXT NOT NULL,
	mmsi                TEXT NOT NULL,
	imo                 BIGINT NOT NULL DEFAULT 0,
	name                TEXT NOT NULL DEFAULT '',
	latitude            DOUBLE PRECISION NOT NULL,
	longitude           DOUBLE PRECISION NOT NULL,
	cog                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	heading             DOUBLE PRECISION NOT NULL DEFAULT 0,
	length              DOUBLE PRECISION NOT NULL DEFAULT 0,
	width               DOUBLE PRECISION NOT NULL DEFAULT 0,
	draft               DOUBLE PRECISION NOT NULL DEFAULT 0,
	observed_at         TIMESTAMPTZ,
	cached_at           TIMESTAMPTZ NOT NULL,
	has_weather         BOOLEAN NOT NULL DEFAULT FALSE,
	weather             TEXT,
	weather_description TEXT,
	temperature         DOUBLE PRECISION,
	pressure            DOUBLE PRECISION,
	humidity            DOUBLE PRECISION,
	wind_speed          DOUBLE PRECISION,
	rain                TEXT,
	clouds              DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS vessel_cache_key_cached_at_idx ON vessel_cache (vessel_key, cached_at DESC);
CREATE INDEX IF NOT EXISTS vessel_cache_cached_at_idx ON vessel_cache (cached_at);

CREATE TABLE IF NOT EXISTS vessel_history (LIKE vessel_cache INCLUDING DEFAULTS);
ALTER TABLE vessel_history ADD COLUMN IF NOT EXISTS message TEXT NOT NULL DEFAULT '';
ALTER TABLE vessel_history ADD COLUMN IF NOT EXISTS created_at TIMESTAMPTZ NOT NULL DEFAULT now();
CREATE INDEX IF NOT EXISTS vessel_history_key_idx ON vessel_history (vessel_key, created_at);
`

const entryColumns = `vessel_key, mmsi, imo, name, latitude, longitude, cog, heading,
	length, width, draft, observed_at, cached_at, has_weather, weather,
	weather_description, temperature, pressure, humidity, wind_speed, rain, clouds`

// PostgresStore is a Store and HistoryRecorder backed by pgxpool
type PostgresStore struct {
	Pool *pgxpool.Pool

	opts      options
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var newPool = pgxpool.NewWithConfig

// OpenPostgres connects to url, ensures the schema and starts the purge loop
func OpenPostgres(ctx context.Context, url string, opts ...Option) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "invalid database url")
	}
	pool, err := newPool(ctx, pcfg)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "ping postgres")
	}
	s := NewPostgresStore(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool. The schema must already exist
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	s := &PostgresStore{
		Pool: pool,
		opts: o,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if o.purgeInterval > 0 {
		go s.purgeLoop()
	} else {
		close(s.done)
	}
	return s
}

// EnsureSchema applies Schema
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, Schema); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "create position tables")
	}
	return nil
}

// LookupFresh implements Store
func (s *PostgresStore) LookupFresh(ctx context.Context, key string, now time.Time) (Entry, bool, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM vessel_cache
		WHERE vessel_key = $1 AND cached_at >= $2
		ORDER BY cached_at DESC, id DESC
		LIMIT 1`, key, now.Add(-FreshnessWindow))

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, perr.Wrap(err, perr.ErrorCodeStore, "lookup cached position")
	}
	return e, true, nil
}

// Insert implements Store
func (s *PostgresStore) Insert(ctx context.Context, e Entry) (Entry, error) {
	e = e.clone()
	// postgres keeps microseconds
	e.CachedAt = s.opts.now().UTC().Truncate(time.Microsecond)

	args := entryArgs(e)
	_, err := s.Pool.Exec(ctx, `INSERT INTO vessel_cache (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`, args...)
	if err != nil {
		return Entry{}, perr.Wrap(err, perr.ErrorCodeStore, "insert cached position")
	}
	return e, nil
}

// Record implements HistoryRecorder
func (s *PostgresStore) Record(ctx context.Context, e Entry, message string) error {
	args := append(entryArgs(e), message, s.opts.now().UTC())
	_, err := s.Pool.Exec(ctx, `INSERT INTO vessel_history (`+entryColumns+`, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`, args...)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "record vessel history")
	}
	return nil
}

// History returns the permanent records for key, oldest first
func (s *PostgresStore) History(ctx context.Context, key string) ([]HistoryRecord, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+entryColumns+`, message, created_at
		FROM vessel_history WHERE vessel_key = $1 ORDER BY created_at, id`, key)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "query vessel history")
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		rec.Entry, err = scanEntry(rows, &rec.Message, &rec.CreatedAt)
		if err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeStore, "scan vessel history")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "read vessel history")
	}
	return out, nil
}

// Purge deletes cache rows older than RetentionHorizon at now
func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM vessel_cache WHERE cached_at < $1`, now.Add(-RetentionHorizon))
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "purge cached positions")
	}
	return tag.RowsAffected(), nil
}

// Close stops the purge loop and closes the pool
func (s *PostgresStore) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *PostgresStore) purgeLoop() {
	defer close(s.done)
	log := logger.Named("position-cache")

	ticker := time.NewTicker(s.opts.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.Purge(ctx, s.opts.now())
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("purged expired positions")
			}
		}
	}
}

func entryArgs(e Entry) []any {
	var observed *time.Time
	if !e.ObservedAt.IsZero() {
		t := e.ObservedAt.UTC()
		observed = &t
	}
	w := Weather{}
	if e.Weather != nil {
		w = *e.Weather
	}
	return []any{
		e.VesselKey, e.MMSI, e.IMO, e.Name, e.Latitude, e.Longitude, e.Course, e.Heading,
		e.Length, e.Width, e.Draft, observed, e.CachedAt, e.Weather != nil, w.Condition,
		w.Description, w.Temperature, w.Pressure, w.Humidity, w.WindSpeed, w.Rain, w.Clouds,
	}
}

func scanEntry(row pgx.Row, extra ...any) (Entry, error) {
	var (
		e          Entry
		w          Weather
		observed   *time.Time
		hasWeather bool
	)
	dest := []any{
		&e.VesselKey, &e.MMSI, &e.IMO, &e.Name, &e.Latitude, &e.Longitude, &e.Course, &e.Heading,
		&e.Length, &e.Width, &e.Draft, &observed, &e.CachedAt, &hasWeather, &w.Condition,
		&w.Description, &w.Temperature, &w.Pressure, &w.Humidity, &w.WindSpeed, &w.Rain, &w.Clouds,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Entry{}, err
	}
	if observed != nil {
		e.ObservedAt = *observed
	}
	if hasWeather {
		e.Weather = &w
	}
	return e, nil
}

var (
	_ Store           = (*PostgresStore)(nil)
	_ HistoryRecorder = (*PostgresStore)(nil)
)
