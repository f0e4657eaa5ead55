// Package observation implements the Observation backup path: every
// Observation whose bufferBackupPeriod is configured gets its accepted
// samples mirrored to a per-path disk buffer, retried through a dead-letter
// queue on write failure, and pruned by a retention sweep once the buffer
// directory ages out or grows past its budget. It implements
// internal/routing.BackupSink, the hand-off point the push pipeline calls
// on every accepted Observation sample (spec.md §4.3.2 step 6).
//
// Grounded on the log pipeline's persistence/recovery trio: pkg/buffer
// (disk-backed write-ahead log), pkg/dlq (retry queue for failed writes),
// and pkg/cleanup (retention sweep) — the same three components the
// teacher wires around its own sinks, repurposed here from "log batch
// awaiting delivery" to "Observation sample awaiting a backup write".
package observation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"datahub/internal/metrics"
	"datahub/internal/sample"
	"datahub/pkg/buffer"
	"datahub/pkg/cleanup"
	"datahub/pkg/dlq"

	"github.com/sirupsen/logrus"
)

// Config configures the Manager.
type Config struct {
	BaseDir         string            `yaml:"base_dir"`
	Buffer          buffer.DiskBufferConfig `yaml:"buffer"`
	Retry           dlq.Config        `yaml:"retry"`
	RetentionCheck  time.Duration     `yaml:"retention_check_interval"`
	MaxSizeMB       int64             `yaml:"max_size_mb"`
	RetentionDays   int               `yaml:"retention_days"`
}

func (c *Config) applyDefaults() {
	if c.BaseDir == "" {
		c.BaseDir = "./backup"
	}
	if c.RetentionCheck == 0 {
		c.RetentionCheck = time.Hour
	}
}

// pendingWrite is the payload spilled to the retry queue when a disk
// buffer write fails.
type pendingWrite struct {
	Path   string        `json:"path"`
	Sample sample.Sample `json:"sample"`
}

// Manager owns one disk buffer per backed-up Observation path, a shared
// retry queue for failed writes, and a shared retention sweep across every
// per-path directory.
type Manager struct {
	cfg Config
	log *logrus.Logger

	mu      sync.Mutex
	buffers map[string]*buffer.DiskBuffer

	retry   *dlq.RetryQueue
	cleaner *cleanup.DiskSpaceManager

	lastBackup map[string]float64
}

// New creates a Manager. Start must be called before any Accept call is
// expected to reach disk.
func New(cfg Config, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		log:        logger,
		buffers:    make(map[string]*buffer.DiskBuffer),
		lastBackup: make(map[string]float64),
		retry:      dlq.New(cfg.Retry, logger),
	}
}

// Start brings up the retry queue and retention sweep.
func (m *Manager) Start() error {
	m.retry.SetReprocessFunc(m.reprocess)
	if err := m.retry.Start(); err != nil {
		return err
	}

	cleanupCfg := cleanup.Config{
		CheckInterval:          m.cfg.RetentionCheck,
		CriticalSpaceThreshold: 5,
		WarningSpaceThreshold:  15,
		Directories: []cleanup.DirectoryConfig{{
			Path:          m.cfg.BaseDir,
			MaxSizeMB:     m.cfg.MaxSizeMB,
			RetentionDays: m.cfg.RetentionDays,
			FilePatterns:  []string{"buffer_*.dat"},
		}},
	}
	m.cleaner = cleanup.NewDiskSpaceManager(cleanupCfg, m.log)
	return m.cleaner.Start()
}

// Stop halts the retry queue and retention sweep, and closes every open
// disk buffer.
func (m *Manager) Stop() {
	m.retry.Stop()
	if m.cleaner != nil {
		m.cleaner.Stop()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, b := range m.buffers {
		if err := b.Close(); err != nil {
			m.log.WithError(err).WithField("path", path).Warn("observation: error closing disk buffer")
		}
	}
}

// Accept implements routing.BackupSink. It is called once per accepted
// Observation sample whose bufferBackupPeriod is configured and for which
// DueForBackup has returned true; the backupPeriod rate limiting is done
// there, and Accept writes every sample it is handed.
func (m *Manager) Accept(path string, s sample.Sample) {
	b, err := m.bufferFor(path)
	if err != nil {
		m.log.WithError(err).WithField("path", path).Error("observation: could not open disk buffer")
		return
	}
	if err := b.Write(s); err != nil {
		m.log.WithError(err).WithField("path", path).Warn("observation: backup write failed, queuing for retry")
		metrics.RecordBackupWriteFailure()
		payload := pendingWrite{Path: path, Sample: s}
		if qerr := m.retry.Push(retryID(path, s), payload, err.Error()); qerr != nil {
			m.log.WithError(qerr).WithField("path", path).Error("observation: retry queue rejected backup write")
		}
	}
}

// DueForBackup reports whether path's next accepted sample is due for a
// backup write given period (the Observation's bufferBackupPeriod), at
// wall-clock time now. The routing engine calls this before Accept so a
// configured period actually rate-limits disk writes instead of writing
// every accepted sample.
func (m *Manager) DueForBackup(path string, period, now float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastBackup[path]
	if ok && period > 0 && now-last < period {
		return false
	}
	m.lastBackup[path] = now
	return true
}

// Recover replays every sample previously backed up for path, oldest
// first, used to repopulate an Observation's in-memory buffer after a
// restart.
func (m *Manager) Recover(ctx context.Context, path string) ([]sample.Sample, error) {
	b, err := m.bufferFor(path)
	if err != nil {
		return nil, err
	}
	return b.ReadAll(ctx)
}

func (m *Manager) bufferFor(path string) (*buffer.DiskBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[path]; ok {
		return b, nil
	}
	cfg := m.cfg.Buffer
	cfg.BaseDir = filepath.Join(m.cfg.BaseDir, sanitizePath(path))
	b, err := buffer.NewDiskBuffer(cfg, m.log)
	if err != nil {
		return nil, err
	}
	m.buffers[path] = b
	return b, nil
}

func (m *Manager) reprocess(payload json.RawMessage) error {
	var pending pendingWrite
	if err := json.Unmarshal(payload, &pending); err != nil {
		return err
	}
	b, err := m.bufferFor(pending.Path)
	if err != nil {
		return err
	}
	return b.Write(pending.Sample)
}

func sanitizePath(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if i != 0 {
				out = append(out, '_')
			}
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return "root"
	}
	return string(out)
}

func retryID(path string, s sample.Sample) string {
	return sanitizePath(path) + "_" + strconv.FormatFloat(s.Timestamp, 'f', -1, 64)
}
