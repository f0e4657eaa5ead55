// Package tree implements the Data Hub's Resource Tree: a rooted, named
// hierarchy whose leaves carry Resources (Input, Output, Observation, or
// Placeholder). It owns path resolution, the source/destination route
// graph's structural invariants (DAG enforcement), admin-settings-driven
// Placeholder lifecycle, and the newness/deletion flags the snapshot engine
// reads.
//
// Grounded on no single teacher file — the log pipeline has no hierarchical
// namespace of its own — but follows the teacher's general shape for a
// core stateful type: a struct wrapping private storage plus a narrow,
// documented exported method set (compare internal/dispatcher.Dispatcher).
package tree

import (
	"io"
	"math"
	"strings"
	"sync"

	"datahub/internal/sample"
	derrors "datahub/pkg/errors"

	"github.com/sirupsen/logrus"
)

const component = "tree"

// ID is the exported spelling of an arena-indexed entry handle, for
// packages that need to hold an Entry.ID in a field or map key without
// reaching into this package's internals. It is always obtained from an
// Entry returned by this package, never constructed directly.
type ID = entryID

// Clock returns the current time as seconds since epoch. Tests inject a
// deterministic clock; production wiring uses time.Now-backed seconds.
type Clock func() float64

// Tree is the Resource Tree. All mutation happens through its exported
// methods, which enforce the invariants documented in spec.md §3. A Tree is
// not safe for concurrent use — by design, only the cooperative event loop
// goroutine ever calls into it (§5).
type Tree struct {
	mu       sync.Mutex // guards against accidental concurrent use; never contended under the cooperative model
	arena    *arena
	byPath   map[string]entryID
	clock    Clock
	paused   bool // true while a snapshot holds structural mutation (start_update/end_update)
	tracking bool // deletion tracking enabled
	log      *logrus.Logger
}

// New creates an empty Tree with a single root Entry at "/", logging
// through logger exactly as the teacher's Dispatcher logs its own
// lifecycle events. A nil logger falls back to a discard logger so
// callers (notably tests) need not wire one up.
func New(clock Clock, logger ...*logrus.Logger) *Tree {
	log := pickLogger(logger)
	t := &Tree{
		arena:    newArena(),
		byPath:   make(map[string]entryID),
		clock:    clock,
		tracking: true,
		log:      log,
	}
	rootNode := node{name: "", path: "/", parent: invalidID, alive: true}
	id := t.arena.alloc(rootNode)
	if id != rootID {
		panic("tree: root entry did not receive the reserved root ID")
	}
	t.byPath["/"] = rootID
	log.WithField("component", component).Debug("tree initialized")
	return t
}

// pickLogger returns the first non-nil logger passed, or a discard-output
// logrus.Logger if none was supplied.
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

// SetDeletionTracking enables or disables retention of deleted Entries for
// the snapshot engine's Deleted filter pass. Disabling it immediately
// flushes every currently-retained deletion record (spec.md §4.4.6).
func (t *Tree) SetDeletionTracking(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracking = enabled
	if !enabled {
		t.flushDeletionsLocked(rootID)
	}
}

// Pause defers structural mutation, entering "update-paused" state for the
// duration of an active snapshot (spec.md §4.3 invariant 7, §5). Value
// pushes are unaffected; they reach Resource.CurrentValue regardless.
func (t *Tree) Pause()  { t.mu.Lock(); t.paused = true; t.mu.Unlock() }
func (t *Tree) Resume() { t.mu.Lock(); t.paused = false; t.mu.Unlock() }

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Find resolves path to its Entry without creating anything.
func (t *Tree) Find(path string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byPath[path]
	if !ok {
		return Entry{}, false
	}
	n, ok := t.arena.get(id)
	if !ok {
		return Entry{}, false
	}
	return t.view(n, path), true
}

// ResolveOrCreate resolves path to an Entry, creating intermediate
// namespace Entries and the leaf as needed. If the leaf already has a
// Resource, the requested shape (variant, declared type, units) must match
// exactly or this returns a Duplicate error; a matching request succeeds
// idempotently (spec.md §4.2, testable property 2).
func (t *Tree) ResolveOrCreate(path string, variant Variant, declaredType sample.Type, units string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paused {
		return Entry{}, derrors.Busy(component, "ResolveOrCreate")
	}

	parts := splitPath(path)
	if len(parts) == 0 {
		return Entry{}, derrors.BadParameter(component, "ResolveOrCreate", "path must not be empty")
	}

	parentID := rootID
	built := ""
	for _, name := range parts[:len(parts)-1] {
		built += "/" + name
		parentID = t.ensureNamespaceLocked(parentID, name, built)
	}

	leafName := parts[len(parts)-1]
	leafPath := path
	if !strings.HasPrefix(leafPath, "/") {
		leafPath = "/" + leafPath
	}

	leafID, existed := t.childNamed(parentID, leafName)
	if existed {
		n, _ := t.arena.get(leafID)
		if n.resource != nil && n.resource.Variant != NoResource && n.resource.Variant != Placeholder {
			if !shapeMatches(n.resource, variant, declaredType, units) {
				t.log.WithFields(logrus.Fields{"path": leafPath, "variant": variant.String()}).
					Warn("resolve_or_create: shape mismatch against existing resource")
				return Entry{}, derrors.Duplicate(component, "ResolveOrCreate",
					"existing resource at "+leafPath+" has a different declared shape")
			}
			return t.view(n, leafPath), nil
		}
		// Entry exists as bare namespace or Placeholder; attach the Resource.
		n.resource = newResource(variant, declaredType, units, n.resource)
		n.lastStructuralChange = t.clock()
		return t.view(n, leafPath), nil
	}

	id := t.arena.alloc(node{
		name:     leafName,
		path:     leafPath,
		parent:   parentID,
		resource: newResource(variant, declaredType, units, nil),
		flagNew:  true,
	})
	t.arena.nodes[id].lastStructuralChange = t.clock()
	t.appendChildLocked(parentID, id)
	t.byPath[leafPath] = id

	n, _ := t.arena.get(id)
	t.log.WithFields(logrus.Fields{"path": leafPath, "variant": variant.String()}).Debug("resolve_or_create: entry created")
	return t.view(n, leafPath), nil
}

func shapeMatches(r *Resource, variant Variant, declaredType sample.Type, units string) bool {
	if r.Variant != variant {
		return false
	}
	if (variant == Input || variant == Output) &&
		(r.DeclaredType != declaredType || r.Units != units) {
		return false
	}
	return true
}

func newResource(variant Variant, declaredType sample.Type, units string, existing *Resource) *Resource {
	r := &Resource{Variant: variant, Units: units}
	r.DeclaredType = declaredType
	r.CurrentType = r.DeclaredType
	if variant == Observation {
		r.Obs.LowLimit = math.NaN()
		r.Obs.HighLimit = math.NaN()
	}
	if existing != nil {
		r.Override = existing.Override
		r.Default = existing.Default
	}
	return r
}

// ensureNamespaceLocked returns the ID of the child named `name` under
// parentID, creating a bare namespace Entry if absent. Caller holds t.mu.
func (t *Tree) ensureNamespaceLocked(parentID entryID, name, path string) entryID {
	if id, ok := t.childNamed(parentID, name); ok {
		return id
	}
	id := t.arena.alloc(node{name: name, path: path, parent: parentID, flagNew: true})
	t.arena.nodes[id].lastStructuralChange = t.clock()
	t.appendChildLocked(parentID, id)
	t.byPath[path] = id
	return id
}

func (t *Tree) childNamed(parentID entryID, name string) (entryID, bool) {
	parent, ok := t.arena.get(parentID)
	if !ok {
		return invalidID, false
	}
	for _, c := range parent.children {
		if cn, ok := t.arena.get(c); ok && cn.name == name {
			return c, true
		}
	}
	return invalidID, false
}

func (t *Tree) appendChildLocked(parentID, childID entryID) {
	parent, ok := t.arena.get(parentID)
	if !ok {
		return
	}
	parent.children = append(parent.children, childID)
}

// Delete removes the Resource at path. If admin settings (override or
// default) survive, the Entry is demoted to a Placeholder. Otherwise, with
// deletion tracking enabled, the Entry is kept and flagged deleted for
// snapshot reporting; without tracking it is released, and any now-empty
// ancestor chain is released too.
func (t *Tree) Delete(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paused {
		return derrors.Busy(component, "Delete")
	}

	id, ok := t.byPath[path]
	if !ok {
		return derrors.NotFound(component, "Delete", path)
	}
	n, ok := t.arena.get(id)
	if !ok {
		return derrors.NotFound(component, "Delete", path)
	}

	if n.resource != nil && n.hasAdminSettings {
		n.resource = newResource(Placeholder, sample.Trigger, "", n.resource)
		n.lastStructuralChange = t.clock()
		t.log.WithField("path", path).Debug("delete: demoted to placeholder, admin settings survive")
		return nil
	}

	n.resource = nil
	if t.tracking {
		n.flagDeleted = true
		n.lastStructuralChange = t.clock()
		t.log.WithField("path", path).Debug("delete: tracked for snapshot deletion reporting")
		return nil
	}

	t.releaseLocked(id)
	t.log.WithField("path", path).Debug("delete: released")
	return nil
}

// releaseLocked physically frees id and, if its parent becomes empty and
// resource-less, walks up releasing ancestors too.
func (t *Tree) releaseLocked(id entryID) {
	if id == rootID {
		return
	}
	n, ok := t.arena.get(id)
	if !ok {
		return
	}
	parentID := n.parent

	delete(t.byPath, n.path)
	t.arena.release(id)

	parent, ok := t.arena.get(parentID)
	if !ok {
		return
	}
	for i, c := range parent.children {
		if c == id {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}

	if parentID != rootID && len(parent.children) == 0 && parent.resource == nil && !parent.hasAdminSettings {
		t.releaseLocked(parentID)
	}
}

// FlushDeletions physically releases every retained deletion record under
// root, per the FLUSH_DELETIONS snapshot request flag (spec.md §4.4.6).
func (t *Tree) FlushDeletions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushDeletionsLocked(rootID)
}

func (t *Tree) flushDeletionsLocked(id entryID) {
	n, ok := t.arena.get(id)
	if !ok {
		return
	}
	children := append([]entryID(nil), n.children...)
	for _, c := range children {
		t.flushDeletionsLocked(c)
	}
	if n.flagDeleted {
		t.releaseLocked(id)
	}
}

// FirstChild returns the first child of id in insertion order, optionally
// including deleted-but-retained Entries.
func (t *Tree) FirstChild(id ID, includeDeleted bool) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.arena.get(id)
	if !ok {
		return Entry{}, false
	}
	for _, c := range n.children {
		if cn, ok := t.arena.get(c); ok && (includeDeleted || !cn.flagDeleted) {
			return t.view(cn, cn.path), true
		}
	}
	return Entry{}, false
}

// NextSibling returns the next sibling of id after its current position,
// optionally including deleted-but-retained Entries.
func (t *Tree) NextSibling(id ID, includeDeleted bool) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.arena.get(id)
	if !ok {
		return Entry{}, false
	}
	parent, ok := t.arena.get(n.parent)
	if !ok {
		return Entry{}, false
	}
	found := false
	for _, c := range parent.children {
		if found {
			if cn, ok := t.arena.get(c); ok && (includeDeleted || !cn.flagDeleted) {
				return t.view(cn, cn.path), true
			}
			continue
		}
		if c == id {
			found = true
		}
	}
	return Entry{}, false
}

// GetLastModified returns the maximum of an Entry's structural and value
// change timestamps.
func (t *Tree) GetLastModified(id ID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.arena.get(id)
	if !ok {
		return 0
	}
	return n.lastModified()
}

// TouchValue records a value-change timestamp for id, called by the
// routing engine on every accepted push.
func (t *Tree) TouchValue(id ID, ts float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.arena.get(id); ok {
		n.lastValueChange = ts
	}
}

// EntryByID resolves id directly, bypassing path lookup. Used by the
// routing engine to walk a Resource's Destinations list, which holds IDs
// rather than paths.
func (t *Tree) EntryByID(id ID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.arena.get(id)
	if !ok {
		return Entry{}, false
	}
	return t.view(n, n.path), true
}

// Resource returns a pointer to id's attached Resource, or nil. The
// returned pointer aliases live arena storage and is only valid for the
// duration of the current event-loop step — callers must not retain it
// across a suspension point.
func (t *Tree) Resource(id ID) *Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.arena.get(id)
	if !ok {
		return nil
	}
	return n.resource
}

// SetAdminSetting records an override or default on the Entry at path,
// creating a Placeholder if no Resource is attached yet, and marks the
// Entry as admin-settings-bearing so it survives a later Delete.
func (t *Tree) SetAdminSetting(path string, isOverride bool, setting Setting) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paused {
		if _, exists := t.byPath[path]; !exists {
			return Entry{}, derrors.Busy(component, "SetAdminSetting")
		}
	}

	id, ok := t.byPath[path]
	var n *node
	if !ok {
		parts := splitPath(path)
		if len(parts) == 0 {
			return Entry{}, derrors.BadParameter(component, "SetAdminSetting", "path must not be empty")
		}
		parentID := rootID
		built := ""
		for _, name := range parts[:len(parts)-1] {
			built += "/" + name
			parentID = t.ensureNamespaceLocked(parentID, name, built)
		}
		leafName := parts[len(parts)-1]
		id = t.arena.alloc(node{name: leafName, path: path, parent: parentID, flagNew: true, resource: newResource(Placeholder, sample.Trigger, "", nil)})
		t.arena.nodes[id].lastStructuralChange = t.clock()
		t.appendChildLocked(parentID, id)
		t.byPath[path] = id
		n, _ = t.arena.get(id)
	} else {
		n, _ = t.arena.get(id)
		if n.resource == nil {
			n.resource = newResource(Placeholder, sample.Trigger, "", nil)
		}
	}

	if isOverride {
		n.resource.Override = setting
	} else {
		n.resource.Default = setting
	}
	n.hasAdminSettings = true

	return t.view(n, path), nil
}

// SetSource wires dst's Resource to receive pushes sourced from src,
// refusing the route with Duplicate if it would introduce a cycle
// (spec.md §4.3.1: walking upstream from src via source pointers must
// never reach dst).
func (t *Tree) SetSource(dst, src ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dn, ok := t.arena.get(dst)
	if !ok || dn.resource == nil {
		return derrors.NotFound(component, "SetSource", "dst")
	}
	sn, ok := t.arena.get(src)
	if !ok || sn.resource == nil {
		return derrors.NotFound(component, "SetSource", "src")
	}

	cur := src
	for cur != invalidID {
		if cur == dst {
			t.log.WithFields(logrus.Fields{"dst": dn.path, "src": sn.path}).Warn("set_source: refused, would introduce a cycle")
			return derrors.Duplicate(component, "SetSource", "route would introduce a cycle")
		}
		n, ok := t.arena.get(cur)
		if !ok || n.resource == nil {
			break
		}
		cur = n.resource.Source
	}

	if dn.resource.Source != invalidID {
		t.removeDestinationLocked(dn.resource.Source, dst)
	}
	dn.resource.Source = src
	sn.resource.Destinations = appendDestination(sn.resource.Destinations, dst)
	t.log.WithFields(logrus.Fields{"dst": dn.path, "src": sn.path}).Debug("set_source: route established")
	return nil
}

// ClearSource removes dst's source pointer, if any.
func (t *Tree) ClearSource(dst ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dn, ok := t.arena.get(dst)
	if !ok || dn.resource == nil || dn.resource.Source == invalidID {
		return
	}
	t.removeDestinationLocked(dn.resource.Source, dst)
	dn.resource.Source = invalidID
}

func (t *Tree) removeDestinationLocked(src, dst ID) {
	sn, ok := t.arena.get(src)
	if !ok || sn.resource == nil {
		return
	}
	dests := sn.resource.Destinations
	for i, d := range dests {
		if d == dst {
			sn.resource.Destinations = append(dests[:i], dests[i+1:]...)
			return
		}
	}
}

func appendDestination(dests []ID, dst ID) []ID {
	for _, d := range dests {
		if d == dst {
			return dests
		}
	}
	return append(dests, dst)
}

// MarkRelevant sets id's relevance flag, read by the snapshot engine's
// filter pass.
func (t *Tree) MarkRelevant(id ID, relevant bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.arena.get(id); ok {
		n.flagRelevant = relevant
	}
}

// ClearNew clears id's newness flag. The snapshot engine does not call it,
// so an Entry's flag stays set across snapshots until ClearNew is called.
func (t *Tree) ClearNew(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.arena.get(id); ok {
		n.flagNew = false
	}
}

func (t *Tree) view(n *node, path string) Entry {
	return Entry{
		ID:       n.id,
		Name:     n.name,
		Path:     path,
		Resource: n.resource,
		New:      n.flagNew,
		Deleted:  n.flagDeleted,
		Relevant: n.flagRelevant,
	}
}
