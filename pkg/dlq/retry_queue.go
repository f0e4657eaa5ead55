// Package dlq implements a small retry queue for operations that failed and
// deserve another attempt later instead of being silently dropped. It is a
// trimmed descendant of the log pipeline's dead-letter queue: the same
// queue-plus-spill-file-plus-reprocess-callback shape, with the alerting and
// webhook machinery removed (the Data Hub has no alerting surface to wire it
// to) and specialized to retrying a single caller-supplied write operation.
package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReprocessFunc retries a failed operation. It receives the original payload
// and returns nil on success.
type ReprocessFunc func(payload json.RawMessage) error

// Config configures a RetryQueue.
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	Directory   string        `yaml:"directory"`
	QueueSize   int           `yaml:"queue_size"`
	MaxRetries  int           `yaml:"max_retries"`
	Interval    time.Duration `yaml:"interval"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

func (c *Config) applyDefaults() {
	if c.Directory == "" {
		c.Directory = "./retry"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.InitialWait == 0 {
		c.InitialWait = 5 * time.Second
	}
	if c.MaxWait == 0 {
		c.MaxWait = 5 * time.Minute
	}
}

// Entry is a single failed operation awaiting retry.
type Entry struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
	LastAttempt time.Time       `json:"last_attempt"`
	RetryCount  int             `json:"retry_count"`
}

// Stats reports a RetryQueue's counters.
type Stats struct {
	Pending   int
	Reprocess ReprocessStats
}

// ReprocessStats counts reprocessing outcomes.
type ReprocessStats struct {
	Attempts  int64
	Successes int64
	Failures  int64
	Dropped   int64
}

// RetryQueue holds failed operations and periodically retries them through
// a caller-supplied ReprocessFunc.
type RetryQueue struct {
	config  Config
	logger  *logrus.Logger
	reproc  ReprocessFunc
	mutex   sync.Mutex
	entries map[string]*Entry
	stats   ReprocessStats

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a RetryQueue. SetReprocessFunc must be called before Start if
// automatic retrying is desired; without one, entries simply accumulate and
// Pending reports how many are queued.
func New(config Config, logger *logrus.Logger) *RetryQueue {
	config.applyDefaults()
	return &RetryQueue{
		config:  config,
		logger:  logger,
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetReprocessFunc installs the function used to retry queued entries.
func (q *RetryQueue) SetReprocessFunc(fn ReprocessFunc) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.reproc = fn
}

// Start loads any entries spilled to disk by a previous run and begins the
// retry ticker.
func (q *RetryQueue) Start() error {
	if !q.config.Enabled {
		q.logger.Info("retry queue disabled")
		return nil
	}
	if err := os.MkdirAll(q.config.Directory, 0o755); err != nil {
		return fmt.Errorf("create retry directory: %w", err)
	}
	q.loadAll()
	go q.retryLoop()
	return nil
}

// Stop halts the retry ticker.
func (q *RetryQueue) Stop() {
	if !q.config.Enabled {
		return
	}
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// Push enqueues a failed operation for later retry.
func (q *RetryQueue) Push(id string, payload interface{}, reason string) error {
	if !q.config.Enabled {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal retry payload: %w", err)
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.entries) >= q.config.QueueSize {
		q.logger.Warn("retry queue full, dropping entry")
		q.stats.Dropped++
		return fmt.Errorf("retry queue full")
	}

	entry := &Entry{ID: id, Payload: raw, Reason: reason, CreatedAt: time.Now()}
	q.entries[id] = entry
	return q.spill(entry)
}

func (q *RetryQueue) spill(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.fileFor(e.ID), data, 0o644)
}

func (q *RetryQueue) fileFor(id string) string {
	return filepath.Join(q.config.Directory, fmt.Sprintf("retry_%s.json", id))
}

func (q *RetryQueue) loadAll() {
	pattern := filepath.Join(q.config.Directory, "retry_*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		q.entries[e.ID] = &e
	}
}

func (q *RetryQueue) retryLoop() {
	defer close(q.done)
	ticker := time.NewTicker(q.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.attemptRetries()
		}
	}
}

func (q *RetryQueue) backoff(retryCount int) time.Duration {
	wait := q.config.InitialWait * time.Duration(1<<uint(retryCount))
	if wait > q.config.MaxWait {
		wait = q.config.MaxWait
	}
	return wait
}

func (q *RetryQueue) attemptRetries() {
	q.mutex.Lock()
	fn := q.reproc
	var ready []*Entry
	now := time.Now()
	for _, e := range q.entries {
		if now.Sub(e.LastAttempt) >= q.backoff(e.RetryCount) {
			ready = append(ready, e)
		}
	}
	q.mutex.Unlock()

	if fn == nil || len(ready) == 0 {
		return
	}

	for _, e := range ready {
		q.stats.Attempts++
		err := fn(e.Payload)

		q.mutex.Lock()
		if err == nil {
			delete(q.entries, e.ID)
			_ = os.Remove(q.fileFor(e.ID))
			q.stats.Successes++
			q.mutex.Unlock()
			continue
		}

		e.LastAttempt = now
		e.RetryCount++
		e.Reason = err.Error()
		q.stats.Failures++

		if e.RetryCount >= q.config.MaxRetries {
			q.logger.WithFields(logrus.Fields{"id": e.ID, "retries": e.RetryCount}).
				Error("retry entry exceeded max attempts, dropping")
			delete(q.entries, e.ID)
			_ = os.Remove(q.fileFor(e.ID))
			q.stats.Dropped++
		} else {
			_ = q.spill(e)
		}
		q.mutex.Unlock()
	}
}

// Pending returns the number of entries currently queued.
func (q *RetryQueue) Pending() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.entries)
}

// Stats returns a snapshot of the queue's counters.
func (q *RetryQueue) Stats() Stats {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return Stats{Pending: len(q.entries), Reprocess: q.stats}
}
