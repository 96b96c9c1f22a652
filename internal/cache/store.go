package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fxflow/logger"
)

// Envelope wraps a cached API payload together with the moment it was
// fetched. The payload is kept verbatim so a cache round-trip returns
// exactly the bytes the API produced.
type Envelope struct {
	Key       string          `json:"key"`
	FetchedAt time.Time       `json:"fetched_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists envelopes as JSON files under a single directory, one
// file per key. Entries are never evicted; staleness is decided at read
// time so stale entries remain available as a fallback.
type Store struct {
	dir    string
	maxAge time.Duration
	log    *logger.Entry
}

// NewStore returns a store rooted at dir. Entries older than maxAge are
// reported as stale by IsFresh but stay readable.
func NewStore(dir string, maxAge time.Duration) *Store {
	return &Store{
		dir:    dir,
		maxAge: maxAge,
		log:    logger.GetLogger().WithComponent("cache"),
	}
}

// Key builds the deterministic cache key for one currency and window.
func Key(currency string, start, end time.Time, apiVersion string) string {
	return fmt.Sprintf("rates_%s_%s_%s_%s",
		strings.ToLower(currency),
		start.Format("2006-01-02"),
		end.Format("2006-01-02"),
		apiVersion,
	)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get loads the envelope stored under key. A missing, unreadable or
// corrupt file behaves as a miss so callers fall through to a fetch.
func (s *Store) Get(key string) (*Envelope, bool) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).WithField("key", key).Warn("unreadable cache file, treating as miss")
		}
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("corrupt cache file, treating as miss")
		return nil, false
	}

	return &env, true
}

// Put writes an envelope for key. The file is written to a temp name in
// the same directory and renamed into place so readers never observe a
// partial entry.
func (s *Store) Put(key string, fetchedAt time.Time, payload json.RawMessage) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	env := Envelope{Key: key, FetchedAt: fetchedAt, Payload: payload}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode cache envelope: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish cache file: %w", err)
	}

	return nil
}

// IsFresh reports whether the envelope was fetched within maxAge of now.
func (s *Store) IsFresh(env *Envelope, now time.Time) bool {
	if env == nil {
		return false
	}
	return now.Sub(env.FetchedAt) <= s.maxAge
}

// Clear removes every cache entry. Used by the dashboard force-refresh.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove cache entry %s: %w", entry.Name(), err)
		}
	}

	return nil
}
