// Package snapshot implements the Snapshot Engine: a depth-first,
// relevance-filtered capture of a subtree, encoded by a pluggable
// Formatter and streamed through a chunked writer pipeline so no single
// write exceeds the configured buffer size.
//
// Grounded on no single teacher file — the log pipeline has no
// hierarchical-tree capture of its own — but the writer pipeline below is
// wired from the same four domain packages the rest of this module draws
// on: pkg/circuit_breaker (stop retrying a wedged pipe), pkg/backpressure
// (refuse a write with Busy when it reports rejection), pkg/batching (a
// batch size of one, so each chunk is flushed as it is added; the split
// into buffer-sized writes is done by chunkWriter.write), and
// pkg/compression (optional gzip/zstd of the flushed bytes).
package snapshot

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"datahub/internal/metrics"
	"datahub/internal/sample"
	"datahub/internal/tree"
	"datahub/pkg/backpressure"
	"datahub/pkg/batching"
	"datahub/pkg/circuit_breaker"
	"datahub/pkg/compression"
	derrors "datahub/pkg/errors"

	"github.com/sirupsen/logrus"
)

const component = "snapshot"

// MaxPasses bounds how many times a formatter may request another pass
// (spec's pass-limit invariant): a formatter that always asks for one
// more pass terminates with OutOfRange on the 11th.
const MaxPasses = 10

// ChunkSize bounds every write handed to the destination writer, the
// "sample string buffer size" budget the JSON formatter's internal
// micro-state machine is sized against.
const ChunkSize = 4096

// FilterMask selects which relevance criteria a pass evaluates.
type FilterMask uint8

const (
	FilterCreated FilterMask = 1 << iota
	FilterNormal
	FilterDeleted
)

// Status is a snapshot's terminal condition.
type Status int

const (
	StatusOk Status = iota
	StatusClosed
	StatusFault
	StatusOutOfRange
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusClosed:
		return "closed"
	case StatusFault:
		return "fault"
	case StatusOutOfRange:
		return "out_of_range"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Pass is the result of one completed depth-first traversal under a
// specific filter mask.
type Pass struct {
	Index  int
	Filter FilterMask
	Root   string
	Since  float64
	Now    float64
	Tree   map[string]interface{} // nil if nothing matched this pass
}

// Formatter shapes one snapshot's output. NextPass stands in for the
// design note's "scan / filter request fields a formatter updates
// between calls": instead of exported mutable fields, it is the
// continuation the engine consults once a pass's tree is ready, which
// reads the same way and is easier to reason about one call at a time.
type Formatter interface {
	// Encode receives a completed pass's reduced tree and returns the
	// bytes to write, if any are ready yet (a formatter gathering
	// multiple passes before it can render a complete document returns
	// nil, nil until its last pass).
	Encode(pass Pass) ([]byte, error)
	// NextPass is consulted after Encode; scan=false ends the snapshot.
	NextPass(prev Pass) (scan bool, filter FilterMask)
	// Close runs exactly once, on every exit path.
	Close()
}

// Request describes one snapshot invocation.
type Request struct {
	Root           string
	Since          float64 // pass a negative value to mean "resolve via watermark"
	Writer         io.Writer
	Formatter      Formatter
	FlushDeletions bool
	// Compression names an optional pkg/compression codec ("gzip",
	// "zstd") applied to every flushed chunk, selected by dsnap's
	// "-f json+zstd"-style format suffix. Empty means uncompressed.
	Compression string
}

// Engine is the snapshot engine. Like Tree and routing.Engine, it is
// driven exclusively from the cooperative event loop goroutine; Run
// itself performs no blocking I/O directly, deferring only into the
// chunked writer pipeline between passes.
type Engine struct {
	tree *tree.Tree
	now  func() float64
	log  *logrus.Logger

	mu      sync.Mutex
	running bool
}

// New creates an Engine bound to t. now supplies the wall-clock reading
// stamped into a snapshot's top-level "ts" field; a nil logger falls
// back to a discard logger, exactly as tree.New does.
func New(t *tree.Tree, now func() float64, logger ...*logrus.Logger) *Engine {
	return &Engine{tree: t, now: now, log: pickLogger(logger)}
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

// RunWithWatermark resolves req.Since from ws when negative ("auto"),
// runs the snapshot, and on StatusOk records req.Root's new watermark so
// a later "auto" request picks up where this one left off.
func (e *Engine) RunWithWatermark(ws *WatermarkStore, req Request) (Status, error) {
	if req.Since < 0 {
		req.Since = ws.Since(req.Root)
	}
	status, err := e.Run(req)
	if status == StatusOk {
		if werr := ws.Record(req.Root, e.now()); werr != nil {
			e.log.WithError(werr).WithField("root", req.Root).Warn("snapshot: could not record watermark")
		}
	}
	return status, err
}

// Run executes req to completion: one or more depth-first passes, each
// gated by relevance, each handed to the formatter and then to the
// chunked writer pipeline (backpressure check, circuit breaker, adaptive
// batching, optional compression) before the next pass begins. Tree
// structural mutation is paused for the duration (Tree.Pause/Resume,
// matching the design note's start_update()/end_update()); value pushes
// are unaffected and are reflected live in CurrentValue.
func (e *Engine) Run(req Request) (status Status, err error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return StatusBusy, derrors.Busy(component, "Run")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		req.Formatter.Close()
	}()

	root, ok := e.tree.Find(req.Root)
	if !ok {
		return StatusFault, derrors.NotFound(component, "Run", req.Root)
	}

	start := time.Now()
	e.tree.Pause()
	defer e.tree.Resume()

	w := newChunkWriter(req.Writer, e.log)
	w.withCompression(req.Compression)
	defer w.close()

	now := e.now()
	filter := FilterCreated | FilterNormal
	pass := 0

	for {
		pass++
		if pass > MaxPasses {
			e.log.WithField("root", req.Root).Warn("snapshot: formatter exceeded pass limit")
			metrics.RecordSnapshotPass("out_of_range", time.Since(start))
			return StatusOutOfRange, derrors.OutOfRange(component, "Run", pass-1)
		}

		e.computeRelevance(root.ID, filter, req.Since, true)
		rootEntry, _ := e.tree.EntryByID(root.ID)
		built, has := e.buildNode(root.ID, rootEntry, filter, req.Since)
		var treeOut map[string]interface{}
		if has {
			treeOut = built
		}

		p := Pass{Index: pass, Filter: filter, Root: req.Root, Since: req.Since, Now: now, Tree: treeOut}

		encoded, encErr := req.Formatter.Encode(p)
		if encErr != nil {
			metrics.RecordSnapshotPass("fault", time.Since(start))
			return StatusFault, encErr
		}
		if len(encoded) > 0 {
			if werr := w.write(encoded); werr != nil {
				st := writeStatus(werr)
				metrics.RecordSnapshotPass(st.String(), time.Since(start))
				return st, werr
			}
		}

		scan, nextFilter := req.Formatter.NextPass(p)
		if !scan {
			break
		}
		filter = nextFilter
	}

	if werr := w.flush(); werr != nil {
		st := writeStatus(werr)
		metrics.RecordSnapshotPass(st.String(), time.Since(start))
		return st, werr
	}

	if req.FlushDeletions {
		e.tree.FlushDeletions()
	}

	metrics.RecordSnapshotPass("ok", time.Since(start))
	return StatusOk, nil
}

func writeStatus(err error) Status {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return StatusClosed
	}
	if derrors.Is(err, derrors.CodeBusy) {
		return StatusBusy
	}
	return StatusFault
}

// computeRelevance annotates id and its subtree with the relevance bit
// (spec's §4.4.2): root is always relevant regardless of its own match,
// every other entry is relevant if it matches filter or any descendant
// is relevant.
func (e *Engine) computeRelevance(id tree.ID, filter FilterMask, since float64, isRoot bool) bool {
	entry, ok := e.tree.EntryByID(id)
	if !ok {
		return false
	}
	own := matchesFilter(e.tree, entry, filter, since)
	childRelevant := false
	for child, ok := e.tree.FirstChild(id, true); ok; child, ok = e.tree.NextSibling(child.ID, true) {
		if e.computeRelevance(child.ID, filter, since, false) {
			childRelevant = true
		}
	}
	relevant := isRoot || own || childRelevant
	e.tree.MarkRelevant(id, relevant)
	return relevant
}

// matchesFilter decides whether entry itself (not its descendants)
// contributes content under filter. A tracked deletion releases the
// Entry's Resource (tree.Delete), so the Deleted case is checked before
// the nil-Resource guard: a deleted leaf still reports its name, with an
// empty object in place of the value fields it no longer has.
func matchesFilter(t *tree.Tree, entry tree.Entry, filter FilterMask, since float64) bool {
	if entry.Deleted && filter&FilterDeleted != 0 {
		return true
	}
	if entry.Resource == nil || entry.Resource.Variant == tree.NoResource {
		return false
	}
	if entry.New && filter&FilterCreated != 0 {
		return true
	}
	if !entry.Deleted && filter&FilterNormal != 0 && t.GetLastModified(entry.ID) > since {
		return true
	}
	return false
}

// buildNode reduces id's subtree (already relevance-marked by
// computeRelevance) into the nested map buildNode's caller encodes.
// Only entries reachable through a chain of relevant ancestors are
// visited, and only relevant, filter-matching leaves or non-empty
// namespaces contribute a key to the result.
func (e *Engine) buildNode(id tree.ID, entry tree.Entry, filter FilterMask, since float64) (map[string]interface{}, bool) {
	obj := make(map[string]interface{})
	has := false

	if matchesFilter(e.tree, entry, filter, since) {
		addLeafFields(obj, entry)
		has = true
	}

	for child, ok := e.tree.FirstChild(id, true); ok; child, ok = e.tree.NextSibling(child.ID, true) {
		if !child.Relevant {
			continue
		}
		childObj, childHas := e.buildNode(child.ID, child, filter, since)
		if childHas {
			obj[child.Name] = childObj
			has = true
		}
	}

	return obj, has
}

func addLeafFields(obj map[string]interface{}, entry tree.Entry) {
	r := entry.Resource
	if r == nil {
		// Tracked deletion: tree.Delete already released the Resource, so
		// only the name's presence under "deleted" is reportable.
		return
	}
	obj["type"] = uint32(r.CurrentType)
	obj["ts"] = r.CurrentValue.Timestamp
	// "mandatory" marks a Resource that requires an external producer to
	// supply a value (Input) rather than one computed, observed, or
	// admin-set from within the Data Hub itself.
	obj["mandatory"] = r.Variant == tree.Input
	obj["new"] = entry.New
	if r.HasCurrent && r.CurrentType != sample.Trigger {
		if encoded, err := sample.ConvertToJSON(r.CurrentValue, r.CurrentType); err == nil {
			obj["value"] = json.RawMessage(encoded)
		}
	}
}

// JSONFormatter implements Formatter, producing
// {"ts":...,"root":...,"upserted":{...}[,"deleted":{...}]}. With
// deletion tracking enabled it requests exactly one extra pass
// (Created|Normal, then Deleted) and never more, so a correctly behaving
// formatter can never itself trigger OutOfRange.
type JSONFormatter struct {
	trackDeletions bool

	upserted    map[string]interface{}
	deleted     map[string]interface{}
	haveDeleted bool
}

// NewJSONFormatter creates a formatter. trackDeletions should mirror the
// Tree's own deletion-tracking setting: requesting the Deleted pass when
// tracking is off always yields an empty tree.
func NewJSONFormatter(trackDeletions bool) *JSONFormatter {
	return &JSONFormatter{trackDeletions: trackDeletions}
}

func (f *JSONFormatter) Encode(pass Pass) ([]byte, error) {
	switch {
	case pass.Filter&FilterDeleted != 0:
		if pass.Tree != nil {
			f.deleted = pass.Tree
			f.haveDeleted = true
		}
	default:
		f.upserted = pass.Tree
	}

	if f.trackDeletions && pass.Filter&FilterDeleted == 0 {
		// One more pass (Deleted) is coming; nothing to emit yet.
		return nil, nil
	}
	return f.render(pass.Root, pass.Now)
}

func (f *JSONFormatter) render(root string, ts float64) ([]byte, error) {
	doc := make(map[string]interface{}, 4)
	doc["ts"] = ts
	doc["root"] = root
	if f.upserted != nil {
		doc["upserted"] = f.upserted
	} else {
		doc["upserted"] = map[string]interface{}{}
	}
	if f.haveDeleted {
		doc["deleted"] = f.deleted
	}
	return json.Marshal(doc)
}

func (f *JSONFormatter) NextPass(prev Pass) (bool, FilterMask) {
	if f.trackDeletions && prev.Filter&FilterDeleted == 0 {
		return true, FilterDeleted
	}
	return false, 0
}

func (f *JSONFormatter) Close() {}

// chunkWriter drives a snapshot's encoded bytes through backpressure
// gating, circuit-breaker-guarded writes, and adaptive batching, so the
// destination writer never sees a write larger than ChunkSize. It is
// rebuilt per Run call: the adaptive batcher's background adaptation
// loop (the one goroutine this package spawns, alongside the cooperative
// event loop) lives only for one snapshot's duration and never touches
// tree or routing state.
type chunkWriter struct {
	dst  io.Writer
	log  *logrus.Logger
	cb   *circuit_breaker.CircuitBreaker
	bp   *backpressure.Manager
	ab   *batching.AdaptiveBatcher
	comp compression.Compressor
}

func newChunkWriter(dst io.Writer, log *logrus.Logger) *chunkWriter {
	w := &chunkWriter{
		dst: dst,
		log: log,
		cb: circuit_breaker.New(circuit_breaker.Config{
			MaxFailures:  3,
			ResetTimeout: 5 * time.Second,
		}),
		bp: backpressure.NewManager(backpressure.Config{}, log),
		ab: batching.NewAdaptiveBatcher(batching.AdaptiveBatchConfig{
			MinBatchSize:     1,
			MaxBatchSize:     1,
			InitialBatchSize: 1,
			MinFlushDelay:    time.Millisecond,
			MaxFlushDelay:    time.Millisecond,
		}, log),
	}
	w.ab.Start()
	return w
}

// withCompression wraps subsequent writes with the named compressor
// ("gzip" or "zstd"); an empty or unknown name leaves writes
// uncompressed, matching the format-string suffix convention
// ("json+zstd") the snapshot CLI exposes.
func (w *chunkWriter) withCompression(name string) {
	if name == "" {
		return
	}
	if c, err := compression.ByName(name); err == nil {
		w.comp = c
	} else {
		w.log.WithError(err).WithField("compression", name).Warn("snapshot: unknown compression, writing uncompressed")
	}
}

func (w *chunkWriter) write(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > ChunkSize {
			n = ChunkSize
		}
		chunk := append([]byte(nil), data[:n]...)
		data = data[n:]

		w.bp.UpdateMetrics(backpressure.Metrics{IOUtilization: 0})
		if w.bp.ShouldReject() {
			return derrors.Busy(component, "write")
		}

		if err := w.ab.Add(chunk); err != nil {
			return err
		}
		if err := w.drain(); err != nil {
			return err
		}
	}
	return nil
}

func (w *chunkWriter) drain() error {
	for {
		batch, ok := w.ab.TryGetBatch()
		if !ok || batch == nil {
			return nil
		}
		if err := w.writeBatch(batch); err != nil {
			return err
		}
	}
}

func (w *chunkWriter) writeBatch(batch [][]byte) error {
	for _, chunk := range batch {
		if len(chunk) == 0 {
			continue
		}
		out := chunk
		if w.comp != nil {
			compressed, err := w.comp.Compress(chunk)
			if err != nil {
				return derrors.FormatError(component, "writeBatch", err.Error())
			}
			out = compressed
		}
		err := w.cb.Execute(func() error {
			_, werr := w.dst.Write(out)
			return werr
		})
		if err != nil {
			if errors.Is(err, circuit_breaker.ErrCircuitBreakerOpen) {
				return derrors.Busy(component, "writeBatch")
			}
			return err
		}
	}
	return nil
}

func (w *chunkWriter) flush() error {
	if err := w.ab.Stop(); err != nil {
		return err
	}
	return w.drain()
}

func (w *chunkWriter) close() {
	// Stop is a no-op once flush has stopped the batcher, so on the success
	// path this only drains an empty channel; on early-return error paths
	// that skipped flush it stops the batcher's adaptation goroutine.
	_ = w.ab.Stop()
	_ = w.drain()
}
