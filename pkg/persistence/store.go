// Package persistence provides a small generic JSON record store used to
// survive process restarts: each record is a (key, payload) pair written to
// its own file, reloaded at startup, and pruned once it exceeds its TTL.
//
// This is a direct descendant of the log-pipeline's batch-recovery store: the
// same persist/load/cleanup shape, generalized from "pending log batch
// awaiting resend" to "any small piece of state a caller wants to survive a
// restart".
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a Store.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Directory       string        `yaml:"directory"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RecordTTL       time.Duration `yaml:"record_ttl"`
}

func (c *Config) applyDefaults() {
	if c.Directory == "" {
		c.Directory = "./persistence"
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Hour
	}
	if c.RecordTTL == 0 {
		c.RecordTTL = 30 * 24 * time.Hour
	}
}

// Record is a single persisted key/payload pair.
type Record struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Stats reports Store activity counters.
type Stats struct {
	Records   int
	Writes    int64
	Reloads   int64
	LastClean time.Time
}

// Store persists records to disk, one JSON file per key.
type Store struct {
	config Config
	logger *logrus.Logger

	mutex   sync.RWMutex
	records map[string]*Record
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Store. Call Start to load existing records and begin the
// cleanup ticker.
func New(config Config, logger *logrus.Logger) *Store {
	config.applyDefaults()
	return &Store{
		config:  config,
		logger:  logger,
		records: make(map[string]*Record),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start loads any records already on disk and starts the cleanup loop.
func (s *Store) Start() error {
	if !s.config.Enabled {
		s.logger.Info("persistence store disabled")
		return nil
	}
	if err := os.MkdirAll(s.config.Directory, 0o755); err != nil {
		return fmt.Errorf("create persistence directory: %w", err)
	}
	if err := s.loadAll(); err != nil {
		s.logger.WithError(err).Warn("failed to load persisted records")
	}
	go s.cleanupLoop()
	return nil
}

// Stop halts the cleanup loop. In-memory records are left on disk as-is.
func (s *Store) Stop() {
	if !s.config.Enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Put writes payload under key, both in memory and to disk.
func (s *Store) Put(key string, payload interface{}) error {
	if !s.config.Enabled {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", key, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.records[key]
	now := time.Now()
	if !exists {
		rec = &Record{Key: key, CreatedAt: now}
		s.records[key] = rec
	}
	rec.Payload = raw
	rec.UpdatedAt = now

	if err := s.writeToDisk(rec); err != nil {
		return err
	}
	s.stats.Writes++
	return nil
}

// Get returns the raw payload for key, if present.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return rec.Payload, true
}

// Delete removes key from memory and disk.
func (s *Store) Delete(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return
	}
	delete(s.records, key)
	s.removeFromDisk(rec)
}

// Keys returns every key currently held, in no particular order.
func (s *Store) Keys() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) fileFor(key string) string {
	return filepath.Join(s.config.Directory, fmt.Sprintf("record_%s.json", url64(key)))
}

// url64 escapes a key for filesystem use without pulling in a dedicated
// encoder; paths in this module are small, fixed-alphabet tree paths.
func url64(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (s *Store) writeToDisk(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.fileFor(rec.Key), data, 0o644)
}

func (s *Store) removeFromDisk(rec *Record) {
	_ = os.Remove(s.fileFor(rec.Key))
}

func (s *Store) loadAll() error {
	pattern := filepath.Join(s.config.Directory, "record_*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	loaded := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			s.logger.WithError(err).WithField("file", file).Warn("failed to read persisted record")
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.WithError(err).WithField("file", file).Warn("failed to unmarshal persisted record")
			continue
		}
		if time.Since(rec.UpdatedAt) > s.config.RecordTTL {
			_ = os.Remove(file)
			continue
		}
		s.records[rec.Key] = &rec
		loaded++
	}
	s.stats.Reloads++
	if loaded > 0 {
		s.logger.WithField("count", loaded).Info("loaded persisted records")
	}
	return nil
}

func (s *Store) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.performCleanup()
		}
	}
}

func (s *Store) performCleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	now := time.Now()
	removed := 0
	for key, rec := range s.records {
		if now.Sub(rec.UpdatedAt) > s.config.RecordTTL {
			delete(s.records, key)
			s.removeFromDisk(rec)
			removed++
		}
	}
	s.stats.LastClean = now
	if removed > 0 {
		s.logger.WithField("count", removed).Info("pruned expired persisted records")
	}
}

// Stats reports the store's current counters.
func (s *Store) Stats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	st := s.stats
	st.Records = len(s.records)
	return st
}
