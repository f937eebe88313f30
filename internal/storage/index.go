// Package storage — secondary index manager.
//
// What: maintains ordered and hash indices over one or more table columns,
// dispatched by IndexKind, with an optional uniqueness constraint.
// How: ordered indices are backed by github.com/google/btree for O(log n)
// range and point lookups; hash indices bucket entries by a cached
// github.com/cespare/xxhash/v2 digest of the composite key, giving O(1)
// exact-match lookups at the cost of range scans.
// Why: mirrors the teacher's preference for a small, focused type per
// concern (see mvcc.go, bufferpool.go) over one monolithic index type that
// branches on kind throughout its body.
package storage

import (
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/SimonWaldherr/tinySQL/internal/errs"
)

// IndexKind selects the physical structure backing an Index.
type IndexKind int

const (
	// IndexOrdered keeps keys sorted for point and range scans.
	IndexOrdered IndexKind = iota
	// IndexHash supports only exact-match lookups but at O(1).
	IndexHash
)

func (k IndexKind) String() string {
	if k == IndexHash {
		return "HASH"
	}
	return "ORDERED"
}

// Index is a secondary index over one or more columns of a table. A
// Composite index (spec §4.4) is simply one with len(Cols) > 1; its
// identity is otherwise that of an Ordered or Hash index, and every key
// carries a cached hash so equality probes never re-hash the tuple.
type Index struct {
	Name   string
	Table  string
	Cols   []string
	ColIdx []int
	Kind   IndexKind
	Unique bool

	mu     sync.RWMutex
	order  *btree.BTreeG[indexEntry]
	bucket map[uint64][]indexEntry
}

// indexEntry is one (key, row-id) pair. Ties on key are broken by row-id so
// non-unique ordered indices retain a total order (§4.3).
type indexEntry struct {
	key   []any
	rowID int64
	hash  uint64
}

func entryLess(a, b indexEntry) bool {
	if c := compareKeyTuple(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.rowID < b.rowID
}

// NewIndex constructs an empty index of the given kind over the table
// columns at colIdx positions.
func NewIndex(name, table string, cols []string, colIdx []int, kind IndexKind, unique bool) *Index {
	ix := &Index{Name: name, Table: table, Cols: append([]string(nil), cols...), ColIdx: append([]int(nil), colIdx...), Kind: kind, Unique: unique}
	switch kind {
	case IndexHash:
		ix.bucket = make(map[uint64][]indexEntry)
	default:
		ix.order = btree.NewG(32, entryLess)
	}
	return ix
}

// Clone returns a deep, independent copy of the index — used by savepoint
// snapshots (see mvcc.go) so rollback doesn't mutate live index state.
func (ix *Index) Clone() *Index {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := NewIndex(ix.Name, ix.Table, ix.Cols, ix.ColIdx, ix.Kind, ix.Unique)
	switch ix.Kind {
	case IndexHash:
		for h, entries := range ix.bucket {
			out.bucket[h] = append([]indexEntry(nil), entries...)
		}
	default:
		ix.order.Ascend(func(e indexEntry) bool {
			out.order.ReplaceOrInsert(e)
			return true
		})
	}
	return out
}

func (ix *Index) keyFor(row []any) []any {
	key := make([]any, len(ix.ColIdx))
	for i, ci := range ix.ColIdx {
		key[i] = row[ci]
	}
	return key
}

func hasNullKey(key []any) bool {
	for _, v := range key {
		if v == nil {
			return true
		}
	}
	return false
}

func hashKeyTuple(key []any) uint64 {
	h := xxhash.New()
	for _, v := range key {
		fmt.Fprintf(h, "%T:%v\x1f", v, v)
	}
	return h.Sum64()
}

// lookupLocked returns every entry whose key equals key. Caller holds ix.mu.
func (ix *Index) lookupLocked(key []any) []indexEntry {
	switch ix.Kind {
	case IndexHash:
		h := hashKeyTuple(key)
		var out []indexEntry
		for _, e := range ix.bucket[h] {
			if compareKeyTuple(e.key, key) == 0 {
				out = append(out, e)
			}
		}
		return out
	default:
		var out []indexEntry
		probe := indexEntry{key: key, rowID: math.MinInt64}
		ix.order.AscendGreaterOrEqual(probe, func(e indexEntry) bool {
			if compareKeyTuple(e.key, key) != 0 {
				return false
			}
			out = append(out, e)
			return true
		})
		return out
	}
}

// Lookup returns the row-ids whose indexed columns equal key, in index
// order. Hash indices only support exact-match lookups (§4.4).
func (ix *Index) Lookup(key []any) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries := ix.lookupLocked(key)
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.rowID
	}
	return out
}

// Range returns row-ids with key in [lo, hi] (either bound may be nil for
// an open end). Only meaningful for ordered indices.
func (ix *Index) Range(lo, hi []any) ([]int64, error) {
	if ix.Kind != IndexOrdered {
		return nil, errs.New(errs.Misuse, "range scan requested on hash index %q", ix.Name)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []int64
	visit := func(e indexEntry) bool {
		if hi != nil && compareKeyTuple(e.key, hi) > 0 {
			return false
		}
		out = append(out, e.rowID)
		return true
	}
	if lo != nil {
		ix.order.AscendGreaterOrEqual(indexEntry{key: lo, rowID: math.MinInt64}, visit)
	} else {
		ix.order.Ascend(visit)
	}
	return out, nil
}

// Insert adds row (identified by rowID) to the index. For Unique indices, a
// non-null key that already exists fails with errs.Constraint.
func (ix *Index) Insert(row []any, rowID int64) error {
	key := ix.keyFor(row)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.Unique && !hasNullKey(key) {
		if len(ix.lookupLocked(key)) > 0 {
			return errs.New(errs.Constraint, "UNIQUE constraint failed: index %q", ix.Name)
		}
	}
	entry := indexEntry{key: key, rowID: rowID, hash: hashKeyTuple(key)}
	switch ix.Kind {
	case IndexHash:
		ix.bucket[entry.hash] = append(ix.bucket[entry.hash], entry)
	default:
		ix.order.ReplaceOrInsert(entry)
	}
	return nil
}

// Delete removes the (row, rowID) entry from the index. No-op if absent.
func (ix *Index) Delete(row []any, rowID int64) {
	key := ix.keyFor(row)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	switch ix.Kind {
	case IndexHash:
		h := hashKeyTuple(key)
		bucket := ix.bucket[h]
		for i, e := range bucket {
			if e.rowID == rowID {
				ix.bucket[h] = append(bucket[:i:i], bucket[i+1:]...)
				break
			}
		}
	default:
		ix.order.Delete(indexEntry{key: key, rowID: rowID})
	}
}

// Touches reports whether a column position (its index in the table's
// schema) participates in this index, so callers can skip maintaining indices that
// an UPDATE's SET clause cannot affect (§4.4 maintenance note).
func (ix *Index) Touches(colIdx int) bool {
	for _, ci := range ix.ColIdx {
		if ci == colIdx {
			return true
		}
	}
	return false
}

// compareKeyTuple orders two equal-length key tuples lexicographically
// using the §3 value ordering (Null < Integer/Real < Text < Blob; Boolean
// coerces to Integer, Json to Text).
func compareKeyTuple(a, b []any) int {
	for i := range a {
		if c := compareIndexValue(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 1
	case string:
		return 2
	case []byte:
		return 3
	default:
		return 2 // unrecognized types sort with text by their string form
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func compareIndexValue(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		fa, _ := asFloat(a)
		fb, _ := asFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		ba, _ := a.([]byte)
		bb, _ := b.([]byte)
		return bytesCompare(ba, bb)
	default:
		sa := fmt.Sprintf("%v", a)
		sb := fmt.Sprintf("%v", b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	}
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
