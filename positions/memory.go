package positions

import (
	"context"
	"sync"
	"time"

	"github.com/spillguard/spill-detection-service/logger"
)

// MemoryStore is an in-process Store and HistoryRecorder
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	history []HistoryRecord

	opts      options
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an empty store and starts its janitor
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	s := &MemoryStore{
		entries: make(map[string][]Entry),
		opts:    o,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if o.purgeInterval > 0 {
		go s.janitor()
	} else {
		close(s.done)
	}
	return s
}

// LookupFresh implements Store
func (s *MemoryStore) LookupFresh(ctx context.Context, key string, now time.Time) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  Entry
		found bool
	)
	for _, e := range s.entries[key] {
		if !fresh(e.CachedAt, now) {
			continue
		}
		if !found || !e.CachedAt.Before(best.CachedAt) {
			best, found = e, true
		}
	}
	if !found {
		return Entry{}, false, nil
	}
	return best.clone(), true, nil
}

// Insert implements Store
func (s *MemoryStore) Insert(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	e = e.clone()
	e.CachedAt = s.opts.now()

	s.mu.Lock()
	s.entries[e.VesselKey] = append(s.entries[e.VesselKey], e)
	s.mu.Unlock()

	return e.clone(), nil
}

// Record implements HistoryRecorder
func (s *MemoryStore) Record(ctx context.Context, e Entry, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := HistoryRecord{Entry: e.clone(), Message: message, CreatedAt: s.opts.now()}

	s.mu.Lock()
	s.history = append(s.history, rec)
	s.mu.Unlock()
	return nil
}

// History returns the permanent records for key, oldest first
func (s *MemoryStore) History(key string) []HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []HistoryRecord
	for _, r := range s.history {
		if r.Entry.VesselKey == key {
			r.Entry = r.Entry.clone()
			out = append(out, r)
		}
	}
	return out
}

// Purge drops cache entries older than RetentionHorizon at now and reports
// how many were removed. History is never purged
func (s *MemoryStore) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, list := range s.entries {
		kept := list[:0:0]
		for _, e := range list {
			if expired(e.CachedAt, now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = kept
		}
	}
	return removed
}

// Len returns the number of cached entries across all keys
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.entries {
		n += len(list)
	}
	return n
}

// Close stops the janitor. It is safe to call more than once
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *MemoryStore) janitor() {
	defer close(s.done)
	log := logger.Named("position-cache")

	ticker := time.NewTicker(s.opts.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Purge(s.opts.now()); n > 0 {
				log.Debug().Int("removed", n).Msg("purged expired positions")
			}
		}
	}
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ HistoryRecorder = (*MemoryStore)(nil)
)
