package etf

import (
	"strconv"
	"testing"
)

func TestAtomCacheAppend(t *testing.T) {
	cache := NewAtomCache()
	if cache.LastID() != -1 {
		t.Fatal("fresh cache must be empty")
	}

	cache.Append(Atom("a"))
	cache.Append(Atom("b"))
	cache.Append(Atom("a")) // duplicate is ignored

	if cache.LastID() != 1 {
		t.Fatalf("got %d", cache.LastID())
	}

	list := cache.ListSince(0)
	if len(list) != 2 || list[0] != Atom("a") || list[1] != Atom("b") {
		t.Fatalf("got %#v", list)
	}

	if l := cache.ListSince(2); l != nil {
		t.Fatalf("got %#v", l)
	}
}

func TestAtomCacheLimit(t *testing.T) {
	cache := NewAtomCache()
	for i := 0; i < maxCacheItems+10; i++ {
		cache.Append(Atom(strconv.Itoa(i)))
	}
	// distinct atoms beyond the table size get no slot
	if cache.LastID() != maxCacheItems-1 {
		t.Fatalf("got %d", cache.LastID())
	}
}

func TestListAtomCache(t *testing.T) {
	l := TakeListAtomCache()
	defer ReleaseListAtomCache(l)

	l.Append(CacheItem{ID: 7, Name: Atom("x")})
	if l.Len() != 1 || l.HasLongAtom {
		t.Fatalf("got %#v", l)
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'y'
	}
	l.Append(CacheItem{ID: 8, Name: Atom(long)})
	if !l.HasLongAtom {
		t.Fatal("expected long atom mode")
	}

	l.Reset()
	if l.Len() != 0 || l.HasLongAtom {
		t.Fatalf("got %#v", l)
	}
}
