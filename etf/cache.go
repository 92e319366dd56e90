package etf

import (
	"sync"
)

const (
	maxCacheItems = 2048

	// atoms longer than this force the long-atoms mode of the
	// distribution header cache section
	maxShortAtomLength = 255
)

// AtomCache is the sender-side atom cache of one connection. It holds up
// to 2048 atoms; once full, new atoms are silently passed through
// uncached. The table never evicts: slot numbers must stay stable for
// the lifetime of the connection.
type AtomCache struct {
	sync.Mutex
	cacheMap  map[Atom]int16
	cacheList [maxCacheItems]Atom
	lastID    int16
}

// NewAtomCache
func NewAtomCache() *AtomCache {
	return &AtomCache{
		cacheMap: make(map[Atom]int16),
		lastID:   -1,
	}
}

// Append assigns the next free slot to the atom. Known atoms and
// appends beyond the table size are ignored.
func (a *AtomCache) Append(atom Atom) {
	a.Lock()
	defer a.Unlock()

	if a.lastID+1 >= maxCacheItems {
		return
	}
	if _, exist := a.cacheMap[atom]; exist {
		return
	}

	a.lastID++
	a.cacheMap[atom] = a.lastID
	a.cacheList[a.lastID] = atom
}

// ID returns the slot assigned to the atom.
func (a *AtomCache) ID(atom Atom) (int16, bool) {
	a.Lock()
	defer a.Unlock()
	id, exist := a.cacheMap[atom]
	return id, exist
}

// LastID returns the highest assigned slot number, -1 for an empty cache.
func (a *AtomCache) LastID() int16 {
	a.Lock()
	defer a.Unlock()
	return a.lastID
}

// ListSince returns the atoms in slots [id..lastID]. The caller must not
// retain the slice across Append calls.
func (a *AtomCache) ListSince(id int16) []Atom {
	a.Lock()
	defer a.Unlock()
	if id < 0 {
		id = 0
	}
	if id > a.lastID {
		return nil
	}
	return a.cacheList[id : a.lastID+1]
}

// CacheItem is the per-sender bookkeeping of one cached atom. Encoded
// turns true once the atom text went out on the wire within a
// cache-update section.
type CacheItem struct {
	ID      int16
	Encoded bool
	Name    Atom
}

// ListAtomCache collects the cache references emitted while encoding a
// single distribution message. It becomes the cache-update section of
// that message's distribution header.
type ListAtomCache struct {
	L           []CacheItem
	HasLongAtom bool
}

var (
	listAtomCachePool = &sync.Pool{
		New: func() interface{} {
			return &ListAtomCache{
				L: make([]CacheItem, 0, 255),
			}
		},
	}
)

// TakeListAtomCache
func TakeListAtomCache() *ListAtomCache {
	return listAtomCachePool.Get().(*ListAtomCache)
}

// ReleaseListAtomCache
func ReleaseListAtomCache(l *ListAtomCache) {
	l.Reset()
	listAtomCachePool.Put(l)
}

// Reset
func (l *ListAtomCache) Reset() {
	l.L = l.L[:0]
	l.HasLongAtom = false
}

// Append
func (l *ListAtomCache) Append(ci CacheItem) {
	l.L = append(l.L, ci)
	if len(ci.Name) > maxShortAtomLength {
		l.HasLongAtom = true
	}
}

// Len
func (l *ListAtomCache) Len() int {
	return len(l.L)
}
