package locator

import "container/heap"

type rankedItem struct {
	index    int
	distance float64
}

// less orders by distance, then by input position
func (r rankedItem) less(o rankedItem) bool {
	if r.distance != o.distance {
		return r.distance < o.distance
	}
	return r.index < o.index
}

// boundedHeap keeps the k smallest items seen so far. The root is the
// largest retained item so it can be evicted in O(log k).
type boundedHeap struct {
	items []rankedItem
	k     int
}

func newBoundedHeap(k int) *boundedHeap {
	return &boundedHeap{
		items: make([]rankedItem, 0, k),
		k:     k,
	}
}

func (h *boundedHeap) offer(item rankedItem) {
	if h.k == 0 {
		return
	}
	if len(h.items) < h.k {
		heap.Push(h, item)
		return
	}
	if item.less(h.items[0]) {
		h.items[0] = item
		heap.Fix(h, 0)
	}
}

func (h *boundedHeap) Len() int           { return len(h.items) }
func (h *boundedHeap) Less(i, j int) bool { return h.items[j].less(h.items[i]) }
func (h *boundedHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *boundedHeap) Push(x any) {
	h.items = append(h.items, x.(rankedItem))
}

func (h *boundedHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
