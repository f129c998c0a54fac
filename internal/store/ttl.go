package store

import (
	"container/heap"
	"sort"
	"time"
)

// ttlEntry is one element of the expiry-ordered TTL secondary index.
type ttlEntry struct {
	expiry time.Time
	key    string
}

// ttlHeap is a min-heap of ttlEntry ordered by expiry, giving FindExpired
// an O(#expired) walk instead of a full keyspace scan (spec §4.1).
type ttlHeap struct {
	items []ttlEntry
}

func newTTLHeap() *ttlHeap { return &ttlHeap{} }

func (h *ttlHeap) Len() int            { return len(h.items) }
func (h *ttlHeap) Less(i, j int) bool  { return h.items[i].expiry.Before(h.items[j].expiry) }
func (h *ttlHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *ttlHeap) Push(x interface{})  { h.items = append(h.items, x.(ttlEntry)) }
func (h *ttlHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (h *ttlHeap) push(e ttlEntry) {
	heap.Push(h, e)
}

// allBefore returns every entry whose expiry is <= now, in expiry order,
// without removing them from the index: find_expired is a read operation
// (spec §4.1). Entries for keys that have since been overwritten with a
// newer, non-expiring version are harmless false positives the caller
// filters by re-checking the live chain head.
func (h *ttlHeap) allBefore(now time.Time) []string {
	// Heap order means a parent expires no later than its children, so only
	// subtrees rooted at an expired entry need to be visited.
	var hits []ttlEntry
	var walk func(i int)
	walk = func(i int) {
		if i >= len(h.items) || h.items[i].expiry.After(now) {
			return
		}
		hits = append(hits, h.items[i])
		walk(2*i + 1)
		walk(2*i + 2)
	}
	walk(0)
	sort.Slice(hits, func(a, b int) bool { return hits[a].expiry.Before(hits[b].expiry) })
	out := make([]string, len(hits))
	for i, e := range hits {
		out[i] = e.key
	}
	return out
}

// removeBefore pops (and returns) every entry whose expiry is <= now, in
// expiry order. Used only by the maintenance/GC pass, which actually
// removes expired chains from the store.
func (h *ttlHeap) removeBefore(now time.Time) []string {
	var out []string
	for h.Len() > 0 && !h.items[0].expiry.After(now) {
		e := heap.Pop(h).(ttlEntry)
		out = append(out, e.key)
	}
	return out
}
