package search

import "container/heap"

// partial is one start-ordered result list and its position in scan order.
type partial struct {
	order   int
	results []Result
	next    int
}

// mergeHeap is a min-heap of partials keyed on the start time of their
// next result. Ties go to the partial scanned first.
type mergeHeap []*partial

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].results[h[i].next].Start, h[j].results[h[j].next].Start
	if a.Equal(b) {
		return h[i].order < h[j].order
	}
	return a.Before(b)
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*partial)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// merge combines start-ordered partials into one list of at most limit
// results (limit <= 0 means no cap). more reports whether results were
// left over.
func merge(parts []*partial, limit int) (out []Result, more bool) {
	h := make(mergeHeap, 0, len(parts))
	for _, p := range parts {
		if len(p.results) > 0 {
			h = append(h, p)
		}
	}
	heap.Init(&h)
	for h.Len() > 0 {
		if limit > 0 && len(out) == limit {
			return out, true
		}
		p := h[0]
		out = append(out, p.results[p.next])
		p.next++
		if p.next == len(p.results) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out, false
}
