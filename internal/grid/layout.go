package grid

import (
	"container/heap"
	"math"
)

// maxRowHeight is the target row height the layout cost penalises
// deviation from.
const maxRowHeight = 1000

// maxRowImages caps how many images a single row may hold.
const maxRowImages = 3

type dim struct {
	w, h int
}

// layout is a solved justified grid: consecutive index ranges into the
// input images, one per row, plus the pixel height of each row.
type layout struct {
	canvasWidth int
	rows        [][2]int
	rowHeights  []int
	height      int
}

// rowHeightFor returns the exact height a row spanning dims[i:j) needs so
// its images, scaled to a common height, fill canvasWidth. Kept in floating
// point; callers floor only at pixel boundaries.
func rowHeightFor(dims []dim, i, j, canvasWidth int) float64 {
	var ratios float64
	for _, d := range dims[i:j] {
		ratios += float64(d.w) / float64(d.h)
	}
	return float64(canvasWidth) / ratios
}

func rowCost(dims []dim, i, j, canvasWidth int) float64 {
	d := maxRowHeight - rowHeightFor(dims, i, j, canvasWidth)
	return d * d
}

// pqItem is a Dijkstra frontier entry.
type pqItem struct {
	node int
	cost float64
}

type pq []pqItem

func (q pq) Len() int { return len(q) }
func (q pq) Less(a, b int) bool {
	if q[a].cost != q[b].cost {
		return q[a].cost < q[b].cost
	}
	return q[a].node < q[b].node // equal cost: settle lower indices first
}
func (q pq) Swap(a, b int)      { q[a], q[b] = q[b], q[a] }
func (q *pq) Push(x any)        { *q = append(*q, x.(pqItem)) }
func (q *pq) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// solve computes the row breaks minimising the summed squared deviation of
// each row's height from maxRowHeight. Nodes are break positions 0..n, n
// being the sentinel after the last image; an edge i->j means dims[i:j)
// forms one row of at most maxRowImages images. Dijkstra over that DAG.
func solve(dims []dim) (layout, bool) {
	n := len(dims)
	if n == 0 {
		return layout{}, false
	}

	var widthSum int
	for _, d := range dims {
		widthSum += d.w
	}
	canvasWidth := int(float64(widthSum) / float64(n) * 1.5)
	if canvasWidth <= 0 {
		return layout{}, false
	}

	dist := make([]float64, n+1)
	prev := make([]int, n+1)
	for i := range dist {
		dist[i] = math.Inf(1)
		prev[i] = -1
	}
	dist[0] = 0

	frontier := &pq{{node: 0, cost: 0}}
	settled := make([]bool, n+1)
	for frontier.Len() > 0 {
		it := heap.Pop(frontier).(pqItem)
		if settled[it.node] || it.cost > dist[it.node] {
			continue
		}
		settled[it.node] = true
		if it.node == n {
			break
		}
		for j := it.node + 1; j <= it.node+maxRowImages && j <= n; j++ {
			c := it.cost + rowCost(dims, it.node, j, canvasWidth)
			if c < dist[j] {
				dist[j] = c
				prev[j] = it.node
				heap.Push(frontier, pqItem{node: j, cost: c})
			}
		}
	}
	if math.IsInf(dist[n], 1) {
		return layout{}, false
	}

	var breaks []int
	for at := n; at != -1; at = prev[at] {
		breaks = append(breaks, at)
	}
	for a, b := 0, len(breaks)-1; a < b; a, b = a+1, b-1 {
		breaks[a], breaks[b] = breaks[b], breaks[a]
	}

	out := layout{canvasWidth: canvasWidth}
	for k := 1; k < len(breaks); k++ {
		i, j := breaks[k-1], breaks[k]
		h := int(rowHeightFor(dims, i, j, canvasWidth))
		out.rows = append(out.rows, [2]int{i, j})
		out.rowHeights = append(out.rowHeights, h)
		out.height += h
	}
	return out, true
}
