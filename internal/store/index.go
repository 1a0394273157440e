package store

import (
	"sort"
	"time"
)

type timeEntry struct {
	at time.Time
	id string
}

func (e timeEntry) less(o timeEntry) bool {
	if !e.at.Equal(o.at) {
		return e.at.Before(o.at)
	}
	return e.id < o.id
}

// timeIndex is a slice of (createdAt, id) kept sorted for range lookups.
type timeIndex struct {
	entries []timeEntry
}

func (x *timeIndex) search(e timeEntry) int {
	return sort.Search(len(x.entries), func(i int) bool { return !x.entries[i].less(e) })
}

func (x *timeIndex) add(at time.Time, id string) {
	e := timeEntry{at: at, id: id}
	i := x.search(e)
	x.entries = append(x.entries, timeEntry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = e
}

func (x *timeIndex) remove(at time.Time, id string) {
	e := timeEntry{at: at, id: id}
	i := x.search(e)
	if i < len(x.entries) && x.entries[i].id == id && x.entries[i].at.Equal(at) {
		x.entries = append(x.entries[:i], x.entries[i+1:]...)
	}
}

// rangeIDs returns ids with since <= at < until. Zero bounds are open.
func (x *timeIndex) rangeIDs(since, until time.Time) []string {
	start := 0
	if !since.IsZero() {
		start = sort.Search(len(x.entries), func(i int) bool { return !x.entries[i].at.Before(since) })
	}
	var ids []string
	for _, e := range x.entries[start:] {
		if !until.IsZero() && !e.at.Before(until) {
			break
		}
		ids = append(ids, e.id)
	}
	return ids
}

func (x *timeIndex) len() int { return len(x.entries) }
