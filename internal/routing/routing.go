// Package routing implements the push pipeline: type coercion, the units
// gate, override substitution, Observation filtering, handler dispatch,
// and recursive delivery to destination routes. It also owns route
// creation (set_source) and the default-value synthetic push a consumer
// receives on first connect.
//
// Grounded on the log pipeline's internal/dispatcher package for the
// overall shape (a central engine type holding a registry of callbacks,
// dispatched synchronously on an accept path) — trimmed to this domain's
// single-sample delivery instead of batch fan-out to sinks.
package routing

import (
	"io"
	"math"
	"sync"
	"time"

	"datahub/internal/metrics"
	"datahub/internal/sample"
	"datahub/internal/tree"
	"datahub/pkg/deduplication"
	derrors "datahub/pkg/errors"
	"datahub/pkg/ratelimit"

	"github.com/sirupsen/logrus"
)

const component = "routing"

// HandlerID is an opaque reference returned by AddPushHandler, used to
// remove the subscription later.
type HandlerID uint64

// HandlerFunc receives an accepted sample.
type HandlerFunc func(s sample.Sample)

type handlerEntry struct {
	id      HandlerID
	kind    sample.Type
	fn      HandlerFunc
	removed bool
}

// BackupSink receives accepted Observation samples that are due for a
// non-volatile backup write. internal/observation implements this.
// DueForBackup lets the sink itself own backupPeriod rate limiting rather
// than have routing track per-path backup timestamps.
type BackupSink interface {
	DueForBackup(path string, period, now float64) bool
	Accept(path string, s sample.Sample)
}

// Engine is the routing and delivery engine. Like Tree, it is driven
// exclusively from the cooperative event loop goroutine.
type Engine struct {
	tree *tree.Tree
	now  func() float64

	mu            sync.Mutex
	handlers      map[tree.ID][]*handlerEntry
	nextHandlerID HandlerID
	backup        BackupSink
	log           *logrus.Logger
	dedup         *deduplication.DeduplicationManager
	limiter       *ratelimit.AdaptiveRateLimiter
}

// New creates an Engine bound to t. now supplies the wall-clock reading
// used to stamp synthetic default pushes. A nil logger falls back to a
// discard logger, exactly as tree.New does. The changeBy filter's
// non-numeric "drop exact duplicates" case is backed by an xxhash LRU+TTL
// cache (pkg/deduplication) sized for a long-running Data Hub process.
func New(t *tree.Tree, now func() float64, logger ...*logrus.Logger) *Engine {
	log := pickLogger(logger)
	return &Engine{
		tree:     t,
		now:      now,
		handlers: make(map[tree.ID][]*handlerEntry),
		log:      log,
		dedup: deduplication.NewDeduplicationManager(deduplication.Config{
			MaxCacheSize:  10000,
			TTL:           time.Hour,
			HashAlgorithm: "xxhash",
		}, log),
	}
}

func pickLogger(loggers []*logrus.Logger) *logrus.Logger {
	for _, l := range loggers {
		if l != nil {
			return l
		}
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}

// SetBackupSink wires the Observation backup path. Nil disables it.
func (e *Engine) SetBackupSink(b BackupSink) { e.backup = b }

// SetRateLimiter installs an optional ingress guard evaluated on every
// external Push call, before the deterministic Observation filters. Nil
// disables it (the default).
func (e *Engine) SetRateLimiter(l *ratelimit.AdaptiveRateLimiter) { e.limiter = l }

// SetSource links dst to receive src's accepted values, refusing the
// route if it would create a cycle (delegated to Tree). On success, if
// dst has no current value yet, dst's default (if configured and
// type-matching) is emitted as a synthetic push.
func (e *Engine) SetSource(dstPath, srcPath string) error {
	dst, ok := e.tree.Find(dstPath)
	if !ok {
		return derrors.NotFound(component, "SetSource", dstPath)
	}
	src, ok := e.tree.Find(srcPath)
	if !ok {
		return derrors.NotFound(component, "SetSource", srcPath)
	}
	if err := e.tree.SetSource(dst.ID, src.ID); err != nil {
		e.log.WithFields(logrus.Fields{"dst": dstPath, "src": srcPath, "error": err}).Warn("set_source: rejected")
		return err
	}
	e.log.WithFields(logrus.Fields{"dst": dstPath, "src": srcPath}).Debug("set_source: route established")
	e.emitDefaultIfUnconnected(dst)
	return nil
}

// ClearSource removes dstPath's source link, if any.
func (e *Engine) ClearSource(dstPath string) error {
	entry, ok := e.tree.Find(dstPath)
	if !ok {
		return derrors.NotFound(component, "ClearSource", dstPath)
	}
	e.tree.ClearSource(entry.ID)
	return nil
}

// AddPushHandler subscribes fn to accepted samples of kind at path,
// returning an opaque reference for later removal. Per spec, a consumer
// that connects with no current value present receives the default (if
// any) as an immediate synthetic push.
func (e *Engine) AddPushHandler(path string, kind sample.Type, fn HandlerFunc) (HandlerID, error) {
	entry, ok := e.tree.Find(path)
	if !ok {
		return 0, derrors.NotFound(component, "AddPushHandler", path)
	}

	e.mu.Lock()
	e.nextHandlerID++
	id := e.nextHandlerID
	e.handlers[entry.ID] = append(e.handlers[entry.ID], &handlerEntry{id: id, kind: kind, fn: fn})
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"path": path, "handler_id": id}).Debug("push handler registered")
	e.emitDefaultIfUnconnected(entry)
	return id, nil
}

// RemovePushHandler removes a subscription by reference. Safe to call
// from within a handler's own invocation: invokeHandlers snapshots its
// slice before calling out, and removed entries are skipped rather than
// spliced out mid-iteration.
func (e *Engine) RemovePushHandler(path string, id HandlerID) {
	entry, ok := e.tree.Find(path)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.handlers[entry.ID] {
		if h.id == id {
			h.removed = true
			return
		}
	}
}

func (e *Engine) emitDefaultIfUnconnected(entry tree.Entry) {
	r := entry.Resource
	if r == nil || r.HasCurrent || !r.Default.Set {
		return
	}
	if (r.Variant == tree.Input || r.Variant == tree.Output) && r.Default.Type != r.DeclaredType {
		return
	}
	synthetic := r.Default.Value.WithTimestamp(sample.Now)
	e.pushEntry(entry, synthetic.Kind, "", synthetic)
}

// Push resolves path and runs sample through the six-step pipeline
// (spec.md §4.3.2). Filter rejection is not an error: it is reported
// through metrics only.
func (e *Engine) Push(path string, kind sample.Type, unitsHint string, s sample.Sample) error {
	if e.limiter != nil && !e.limiter.Allow() {
		e.log.WithField("path", path).Debug("push: rejected by ingress rate limiter")
		metrics.RecordPush("dropped_rate_limit")
		return derrors.Busy(component, "Push")
	}
	entry, ok := e.tree.Find(path)
	if !ok {
		return derrors.NotFound(component, "Push", path)
	}
	e.pushEntry(entry, kind, unitsHint, s)
	return nil
}

func (e *Engine) pushEntry(entry tree.Entry, kind sample.Type, unitsHint string, s sample.Sample) {
	r := entry.Resource
	if r == nil {
		return
	}

	if r.Variant == tree.Input || r.Variant == tree.Output {
		// Step 1: type coercion against declared type.
		if kind != r.DeclaredType {
			coerced, ok := s.Coerce(r.DeclaredType)
			if !ok {
				e.log.WithFields(logrus.Fields{"path": entry.Path, "from": kind, "to": r.DeclaredType}).Debug("push: dropped, type coercion failed")
				metrics.RecordPush("dropped_type")
				return
			}
			s = coerced
			kind = r.DeclaredType
		}
		// Step 2: units gate.
		if unitsHint != "" && unitsHint != r.Units {
			e.log.WithFields(logrus.Fields{"path": entry.Path, "units": unitsHint, "expected": r.Units}).Debug("push: dropped, units mismatch")
			metrics.RecordPush("dropped_units")
			return
		}
	}

	// Step 3: override substitution.
	if r.Override.Set && r.Override.Type == r.DeclaredType {
		s = r.Override.Value.WithTimestamp(s.Timestamp)
		kind = s.Kind
	}

	// Step 4: Observation filters.
	if r.Variant == tree.Observation && !e.passesObservationFilters(entry.Path, r, s) {
		e.log.WithField("path", entry.Path).Debug("push: dropped by observation filter")
		metrics.RecordPush("dropped_filter")
		return
	}

	// Step 5: accept.
	r.PushedType, r.PushedValue, r.HasPushed = kind, s, true
	r.CurrentType, r.CurrentValue, r.HasCurrent = kind, s, true
	e.tree.TouchValue(entry.ID, s.Timestamp)
	metrics.RecordPush("accepted")

	e.invokeHandlers(entry.ID, kind, s)

	for _, dstID := range r.Destinations {
		if dstEntry, ok := e.tree.EntryByID(dstID); ok {
			e.pushEntry(dstEntry, kind, "", s)
		}
	}

	// Step 6: buffering.
	if r.Variant == tree.Observation {
		if r.Obs.BufferMaxCount > 0 {
			r.Buffer = append(r.Buffer, s)
			if over := len(r.Buffer) - r.Obs.BufferMaxCount; over > 0 {
				r.Buffer = r.Buffer[over:]
			}
		}
		if r.Obs.BufferBackupPeriod > 0 && e.backup != nil &&
			e.backup.DueForBackup(entry.Path, r.Obs.BufferBackupPeriod, s.Timestamp) {
			e.backup.Accept(entry.Path, s)
		}
	}
}

func (e *Engine) invokeHandlers(id tree.ID, kind sample.Type, s sample.Sample) {
	e.mu.Lock()
	list := e.handlers[id]
	live := list[:0:0]
	for _, h := range list {
		if !h.removed {
			live = append(live, h)
		}
	}
	e.handlers[id] = live
	snapshot := append([]*handlerEntry(nil), live...)
	e.mu.Unlock()

	for _, h := range snapshot {
		if h.kind == kind && !h.removed {
			h.fn(s)
		}
	}
}

// passesObservationFilters evaluates minPeriod, range, and changeBy in
// order against r's pre-accept CurrentValue (spec.md §4.3.2 step 4).
func (e *Engine) passesObservationFilters(path string, r *tree.Resource, s sample.Sample) bool {
	cfg := r.Obs

	if r.HasCurrent && cfg.MinPeriod > 0 && s.Timestamp-r.CurrentValue.Timestamp < cfg.MinPeriod {
		return false
	}

	if v, ok := s.AsFloat64(); ok {
		if !math.IsNaN(cfg.LowLimit) && v < cfg.LowLimit {
			return false
		}
		if !math.IsNaN(cfg.HighLimit) && v > cfg.HighLimit {
			return false
		}
	}

	if s.Kind != sample.Trigger && r.HasCurrent {
		nv, newNumeric := s.AsFloat64()
		cv, curNumeric := r.CurrentValue.AsFloat64()
		switch {
		case newNumeric && curNumeric:
			if math.Abs(nv-cv) < cfg.ChangeBy {
				return false
			}
		case cfg.ChangeBy != 0:
			// Non-numeric kinds have no meaningful "distance"; changeBy != 0
			// here means "accept any change, drop exact duplicates", checked
			// via an xxhash-backed LRU+TTL cache keyed on path and text form.
			text, _ := sample.ConvertToString(s, s.Kind)
			if e.dedup.IsDuplicate(path, text, time.Unix(0, 0).Add(time.Duration(s.Timestamp*float64(time.Second)))) {
				return false
			}
		}
	}

	return true
}
