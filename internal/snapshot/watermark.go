package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// WatermarkStore persists the last successful snapshot `since` timestamp
// per root path, in a single small JSON checkpoint file, so `dsnap -s auto`
// can resume from where the previous invocation left off without the
// caller having to track it itself.
//
// Grounded on the teacher's pkg/positions/checkpoint_manager.go: like that
// manager, every write goes to a temp file first and is then renamed over
// the real path, so a crash mid-write never leaves a half-written
// checkpoint file behind.
type WatermarkStore struct {
	path string
	log  *logrus.Logger

	mu   sync.Mutex
	data map[string]float64
}

// NewWatermarkStore opens (or lazily creates) the checkpoint file at path.
func NewWatermarkStore(path string, logger *logrus.Logger) *WatermarkStore {
	s := &WatermarkStore{path: path, log: logger, data: make(map[string]float64)}
	s.load()
	return s
}

func (s *WatermarkStore) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).WithField("path", s.path).Warn("watermark: could not read checkpoint file")
		}
		return
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.log.WithError(err).WithField("path", s.path).Warn("watermark: checkpoint file is corrupt, starting fresh")
		s.data = make(map[string]float64)
	}
}

// Since resolves "auto" for root: the last successfully recorded
// watermark, or 0 if none exists yet.
func (s *WatermarkStore) Since(root string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[root]
}

// Record saves root's new watermark and rewrites the checkpoint file via
// write-to-temp-then-rename, so a reader never observes a partial file.
func (s *WatermarkStore) Record(root string, ts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[root] = ts

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".watermark-*.tmp")
	if err != nil {
		return fmt.Errorf("watermark: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("watermark: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("watermark: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("watermark: rename temp file: %w", err)
	}
	return nil
}
