// Package persistence makes admin settings (set_override and set_default
// calls) survive a process restart. Every admin-setting mutation is mirrored
// to a pkg/persistence.Store record keyed by resource path; on startup the
// Hub replays every record back through the tree before the event loop
// starts accepting pushes, so a restarted Data Hub comes back up with the
// same overrides and defaults it had before it went down.
//
// Grounded on the log pipeline's batch-recovery persistence store
// (pkg/persistence), generalized here from "pending batch awaiting resend"
// to "one resource's admin settings".
package persistence

import (
	"encoding/json"

	"datahub/internal/sample"
	"datahub/internal/tree"
	"datahub/pkg/persistence"

	"github.com/sirupsen/logrus"
)

// record is the on-disk shape of one resource's admin settings.
type record struct {
	Path       string        `json:"path"`
	IsOverride bool          `json:"is_override"`
	Type       sample.Type   `json:"type"`
	Value      sample.Sample `json:"value"`
}

// Store mirrors admin-setting mutations to disk and replays them at
// startup.
type Store struct {
	store *persistence.Store
	log   *logrus.Logger
}

// New creates a Store backed by a pkg/persistence.Store configured with
// cfg, logging through logger.
func New(cfg persistence.Config, logger *logrus.Logger) *Store {
	return &Store{store: persistence.New(cfg, logger), log: logger}
}

// Start loads previously persisted records and begins the store's
// background cleanup loop.
func (s *Store) Start() error {
	return s.store.Start()
}

// Stop halts the background cleanup loop.
func (s *Store) Stop() {
	s.store.Stop()
}

// Record mirrors an admin-setting mutation for path to disk, keyed so a
// later override and default for the same path persist independently.
func (s *Store) Record(path string, isOverride bool, setting tree.Setting) error {
	rec := record{Path: path, IsOverride: isOverride, Type: setting.Type, Value: setting.Value}
	return s.store.Put(recordKey(path, isOverride), rec)
}

// Forget removes a previously persisted admin setting, called by
// Hub.ClearAdminSetting when an override or default is cleared.
func (s *Store) Forget(path string, isOverride bool) {
	s.store.Delete(recordKey(path, isOverride))
}

// ReplayInto applies every persisted admin setting back into t, in
// Keys() order. Called once at startup before the event loop begins
// accepting pushes.
func (s *Store) ReplayInto(t *tree.Tree) error {
	replayed := 0
	for _, key := range s.store.Keys() {
		raw, ok := s.store.Get(key)
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("persistence: skipping malformed admin-setting record")
			continue
		}
		setting := tree.Setting{Type: rec.Type, Value: rec.Value, Set: true}
		if _, err := t.SetAdminSetting(rec.Path, rec.IsOverride, setting); err != nil {
			return err
		}
		replayed++
	}
	s.log.WithField("count", replayed).Info("persistence: replayed admin settings")
	return nil
}

func recordKey(path string, isOverride bool) string {
	if isOverride {
		return "override:" + path
	}
	return "default:" + path
}
