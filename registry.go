package metacache

import (
	"cmp"
	"slices"

	"github.com/codeGROOVE-dev/metacache/pkg/record"
)

// freshness is the derived state of a record at a point in time.
type freshness int

const (
	fresh       freshness = iota
	stale                 // expired, inside the stale-while-revalidate window
	trulyStale            // expired, window absent or used up
	corruptData           // header did not decode
)

func (f freshness) String() string {
	switch f {
	case fresh:
		return "fresh"
	case stale:
		return "stale"
	case trulyStale:
		return "truly-stale"
	default:
		return "corrupt"
	}
}

// classify derives the freshness of m at now (Unix seconds).
func classify(m record.Meta, now int64) freshness {
	if now < m.Expires {
		return fresh
	}
	// now >= Expires here, so the difference cannot overflow.
	if m.Stale > now-m.Expires {
		return stale
	}
	return trulyStale
}

// entry is one registry record, keyed by the full backend key.
// A corrupt entry carries only its key and size.
type entry struct {
	key     string
	meta    record.Meta
	size    int64
	touch   uint64 // registry sequence number of the last update
	written uint64 // sequence number of the last value write through this cache
	corrupt bool
}

func (e *entry) state(now int64) freshness {
	if e.corrupt {
		return corruptData
	}
	return classify(e.meta, now)
}

// registry is the in-memory metadata table for one Cache.
// It is not safe for concurrent use; Cache serialises access.
type registry struct {
	entries map[string]*entry
	size    int64
	seq     uint64

	// Scan progress. cursor resumes the backend listing; complete is set once
	// every key with the prefix has been listed.
	cursor   string
	complete bool
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) get(key string) (*entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// put inserts or replaces the record for key.
func (r *registry) put(key string, m record.Meta) *entry {
	return r.store(&entry{key: key, meta: m, size: int64(m.Size)})
}

// putCorrupt tracks an undecodable record by size only.
func (r *registry) putCorrupt(key string, size int) *entry {
	return r.store(&entry{key: key, size: int64(size), corrupt: true})
}

// store keeps the written mark of any entry it replaces.
func (r *registry) store(e *entry) *entry {
	if old, ok := r.entries[e.key]; ok {
		r.size -= old.size
		e.written = old.written
	}
	r.seq++
	e.touch = r.seq
	r.entries[e.key] = e
	r.size += e.size
	return e
}

// markWritten records that e's value was just written, so revalidations
// started before the write are discarded.
func (r *registry) markWritten(e *entry) {
	e.written = e.touch
}

// remove drops key and returns the size it accounted for.
func (r *registry) remove(key string) (int64, bool) {
	e, ok := r.entries[key]
	if !ok {
		return 0, false
	}
	delete(r.entries, key)
	r.size -= e.size
	return e.size, true
}

func (r *registry) len() int {
	return len(r.entries)
}

func (r *registry) bytes() int64 {
	return r.size
}

// recent returns up to limit keys, most recently accessed first.
// Records accessed in the same second are ordered by most recent update.
// limit <= 0 returns every key.
func (r *registry) recent(limit int) []string {
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	slices.SortFunc(es, func(a, b *entry) int {
		if c := cmp.Compare(b.meta.Access, a.meta.Access); c != 0 {
			return c
		}
		return cmp.Compare(b.touch, a.touch)
	})
	if limit > 0 && len(es) > limit {
		es = es[:limit]
	}
	keys := make([]string, len(es))
	for i, e := range es {
		keys[i] = e.key
	}
	return keys
}

// evictionOrder returns every entry, most evictable first, as of now.
func (r *registry) evictionOrder(now int64) []*entry {
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	slices.SortFunc(es, func(a, b *entry) int {
		return compareEviction(a, b, now)
	})
	return es
}
