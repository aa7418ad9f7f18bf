package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrBookmarkExists  = errors.New("bookmark already exists")
	ErrEmptyBookmark   = errors.New("empty bookmark")
	ErrBookmarkInUse   = errors.New("bookmark referenced by handles")
	ErrInvalidSnapshot = errors.New("invalid bookmark snapshot")
)

// BookmarkScope groups bookmarks sharing exclusivity semantics.
// Scopes compare by ID.
type BookmarkScope struct {
	ID string `json:"id"`
}

// NewBookmarkScope creates a scope with the given identity.
func NewBookmarkScope(id string) *BookmarkScope {
	return &BookmarkScope{ID: id}
}

// Bookmark identifies a suspension point awaiting an external signal.
//
// A bookmark is either named (host-visible string, unique within an
// instance) or internal (engine-assigned non-zero ordinal, never
// exposed to the host). The zero value is not a valid bookmark.
type Bookmark struct {
	name    string
	ordinal int64
	scope   *BookmarkScope
}

// NewBookmark creates a named bookmark.
func NewBookmark(name string) Bookmark {
	return Bookmark{name: name}
}

// NewScopedBookmark creates a named bookmark belonging to scope.
func NewScopedBookmark(name string, scope *BookmarkScope) Bookmark {
	return Bookmark{name: name, scope: scope}
}

// Name returns the bookmark name; empty for internal bookmarks.
func (b Bookmark) Name() string { return b.name }

// Internal reports whether b is an engine-assigned internal bookmark.
func (b Bookmark) Internal() bool { return b.name == "" && b.ordinal != 0 }

// Scope returns the bookmark's scope, or nil.
func (b Bookmark) Scope() *BookmarkScope { return b.scope }

// Valid reports whether b carries an identity at all.
func (b Bookmark) Valid() bool { return b.name != "" || b.ordinal != 0 }

// Equal compares bookmarks: named bookmarks by name, internal by ordinal.
func (b Bookmark) Equal(other Bookmark) bool {
	if b.name != "" || other.name != "" {
		return b.name == other.name
	}
	return b.ordinal == other.ordinal
}

func (b Bookmark) String() string {
	if b.Internal() {
		return fmt.Sprintf("<internal:%d>", b.ordinal)
	}
	return b.name
}

// bookmarkRecord is the table's registration of one bookmark.
type bookmarkRecord struct {
	Bookmark Bookmark
	NodeID   string // qualified id of the owning tree node
	Handles  int    // count of handles referencing this bookmark
}

// Table tracks the live bookmarks of one instance.
//
// Lookup is exact name (or ordinal) equality only; there is no
// wildcard or prefix matching. Tables are not safe for concurrent use:
// ownership follows the instance's turn.
type Table struct {
	named       map[string]*bookmarkRecord
	internal    map[int64]*bookmarkRecord
	nextOrdinal int64
}

// NewTable creates an empty bookmark table.
func NewTable() *Table {
	return &Table{
		named:    make(map[string]*bookmarkRecord),
		internal: make(map[int64]*bookmarkRecord),
	}
}

// CreateNamed registers a named bookmark owned by the node with
// qualified id nodeID. Names are unique within the table.
func (t *Table) CreateNamed(name, nodeID string) (Bookmark, error) {
	if name == "" {
		return Bookmark{}, ErrEmptyBookmark
	}
	if _, ok := t.named[name]; ok {
		return Bookmark{}, fmt.Errorf("%w: %s", ErrBookmarkExists, name)
	}
	bm := Bookmark{name: name}
	t.named[name] = &bookmarkRecord{Bookmark: bm, NodeID: nodeID}
	return bm, nil
}

// CreateScoped registers a named bookmark within scope.
func (t *Table) CreateScoped(name, nodeID string, scope *BookmarkScope) (Bookmark, error) {
	bm, err := t.CreateNamed(name, nodeID)
	if err != nil {
		return bm, err
	}
	bm.scope = scope
	t.named[name].Bookmark = bm
	return bm, nil
}

// CreateInternal registers an engine-assigned internal bookmark.
// Ordinals start at 1 and are never zero nor reused within a table.
func (t *Table) CreateInternal(nodeID string) Bookmark {
	t.nextOrdinal++
	bm := Bookmark{ordinal: t.nextOrdinal}
	t.internal[bm.ordinal] = &bookmarkRecord{Bookmark: bm, NodeID: nodeID}
	return bm
}

// Find looks up a named bookmark by exact name.
func (t *Table) Find(name string) (Bookmark, bool) {
	rec, ok := t.named[name]
	if !ok {
		return Bookmark{}, false
	}
	return rec.Bookmark, true
}

// Remove destroys a bookmark, typically on resumption.
// Bookmarks still referenced by handles cannot be removed.
func (t *Table) Remove(bm Bookmark) error {
	rec := t.record(bm)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrBookmarkNotFound, bm)
	}
	if rec.Handles > 0 {
		return fmt.Errorf("%w: %s", ErrBookmarkInUse, bm)
	}
	if bm.Internal() {
		delete(t.internal, rec.Bookmark.ordinal)
	} else {
		delete(t.named, rec.Bookmark.name)
	}
	return nil
}

// RemoveForNode destroys all bookmarks owned by nodeID, used when
// the owning subtree completes. Handle references are dropped.
func (t *Table) RemoveForNode(nodeID string) int {
	n := 0
	for name, rec := range t.named {
		if rec.NodeID == nodeID {
			delete(t.named, name)
			n++
		}
	}
	for ord, rec := range t.internal {
		if rec.NodeID == nodeID {
			delete(t.internal, ord)
			n++
		}
	}
	return n
}

// ForNode returns all bookmarks owned by nodeID, named first.
func (t *Table) ForNode(nodeID string) []Bookmark {
	var bms []Bookmark
	for _, bm := range t.Named() {
		if t.named[bm.name].NodeID == nodeID {
			bms = append(bms, bm)
		}
	}
	for ord, rec := range t.internal {
		if rec.NodeID == nodeID {
			bms = append(bms, Bookmark{ordinal: ord})
		}
	}
	return bms
}

// NodeFor returns the qualified id of the node owning bm.
func (t *Table) NodeFor(bm Bookmark) (string, bool) {
	rec := t.record(bm)
	if rec == nil {
		return "", false
	}
	return rec.NodeID, true
}

// AddHandle records a handle reference to bm.
func (t *Table) AddHandle(bm Bookmark) error {
	rec := t.record(bm)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrBookmarkNotFound, bm)
	}
	rec.Handles++
	return nil
}

// ReleaseHandle drops a handle reference to bm.
func (t *Table) ReleaseHandle(bm Bookmark) error {
	rec := t.record(bm)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrBookmarkNotFound, bm)
	}
	if rec.Handles > 0 {
		rec.Handles--
	}
	return nil
}

// Named returns the host-visible bookmarks sorted by name.
func (t *Table) Named() []Bookmark {
	names := make([]string, 0, len(t.named))
	for name := range t.named {
		names = append(names, name)
	}
	sort.Strings(names)
	bms := make([]Bookmark, 0, len(names))
	for _, name := range names {
		bms = append(bms, t.named[name].Bookmark)
	}
	return bms
}

// Len returns the total count of live bookmarks, internal included.
func (t *Table) Len() int {
	return len(t.named) + len(t.internal)
}

func (t *Table) record(bm Bookmark) *bookmarkRecord {
	if bm.name != "" {
		return t.named[bm.name]
	}
	return t.internal[bm.ordinal]
}

// bookmarkJSON is the serialized form of one table entry.
type bookmarkJSON struct {
	Name    string `json:"name,omitempty"`
	Ordinal int64  `json:"ordinal,omitempty"`
	Scope   string `json:"scope,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Handles int    `json:"handles,omitempty"`
}

// tableJSON is the serialized form of a table.
type tableJSON struct {
	Bookmarks   []bookmarkJSON `json:"bookmarks,omitempty"`
	NextOrdinal int64          `json:"next_ordinal,omitempty"`
}

// MarshalJSON serializes the table deterministically (sorted by
// name, then ordinal) so equal tables produce identical bytes.
func (t *Table) MarshalJSON() ([]byte, error) {
	out := tableJSON{NextOrdinal: t.nextOrdinal}
	for _, bm := range t.Named() {
		rec := t.named[bm.name]
		j := bookmarkJSON{Name: bm.name, NodeID: rec.NodeID, Handles: rec.Handles}
		if bm.scope != nil {
			j.Scope = bm.scope.ID
		}
		out.Bookmarks = append(out.Bookmarks, j)
	}
	ords := make([]int64, 0, len(t.internal))
	for ord := range t.internal {
		ords = append(ords, ord)
	}
	sort.Slice(ords, func(i, j int) bool { return ords[i] < ords[j] })
	for _, ord := range ords {
		rec := t.internal[ord]
		out.Bookmarks = append(out.Bookmarks, bookmarkJSON{
			Ordinal: ord,
			NodeID:  rec.NodeID,
			Handles: rec.Handles,
		})
	}
	return json.Marshal(&out)
}

// UnmarshalJSON restores a table serialized with MarshalJSON.
func (t *Table) UnmarshalJSON(b []byte) error {
	var in tableJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	t.named = make(map[string]*bookmarkRecord)
	t.internal = make(map[int64]*bookmarkRecord)
	t.nextOrdinal = in.NextOrdinal
	for _, j := range in.Bookmarks {
		rec := &bookmarkRecord{NodeID: j.NodeID, Handles: j.Handles}
		switch {
		case j.Name != "":
			rec.Bookmark = Bookmark{name: j.Name}
			if j.Scope != "" {
				rec.Bookmark.scope = NewBookmarkScope(j.Scope)
			}
			t.named[j.Name] = rec
		case j.Ordinal != 0:
			rec.Bookmark = Bookmark{ordinal: j.Ordinal}
			t.internal[j.Ordinal] = rec
			if j.Ordinal > t.nextOrdinal {
				t.nextOrdinal = j.Ordinal
			}
		default:
			return ErrInvalidSnapshot
		}
	}
	return nil
}
