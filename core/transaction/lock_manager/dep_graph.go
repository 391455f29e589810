package lockmanager

import (
	"slices"
	"sync"
)

// waitGraph is the wait-for graph: an edge A->B means A waits for a lock
// that B holds or is queued ahead of A for. A transaction waits for at most
// one request at a time, which is kept so a victim can be told.
type waitGraph struct {
	mu      sync.Mutex
	edges   map[TxnID][]TxnID
	waiting map[TxnID]*request
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[TxnID][]TxnID), waiting: make(map[TxnID]*request)}
}

// set replaces the outgoing edges of a waiting transaction.
func (g *waitGraph) set(r *request, blockers []TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(blockers) == 0 {
		delete(g.edges, r.txn)
	} else {
		g.edges[r.txn] = blockers
	}
	g.waiting[r.txn] = r
}

// clear removes the outgoing edges of txn once it no longer waits.
func (g *waitGraph) clear(txn TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, txn)
	delete(g.waiting, txn)
}

// cycleThrough returns a cycle that starts and ends at start, if one exists.
func (g *waitGraph) cycleThrough(start TxnID) []TxnID {
	visited := make(map[TxnID]bool)
	var path []TxnID
	var dfs func(n TxnID) bool
	dfs = func(n TxnID) bool {
		visited[n] = true
		path = append(path, n)
		for _, next := range g.edges[n] {
			if next == start {
				return true
			}
			if !visited[next] && dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(start) {
		return path
	}
	return nil
}

// victimFor looks for a cycle through start. It returns the youngest
// transaction of the cycle and its pending request, or zero when there is
// no cycle. The victim's edges are removed so that the same cycle is not
// reported twice.
func (g *waitGraph) victimFor(start TxnID) (TxnID, *request, []TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cycle := g.cycleThrough(start)
	if cycle == nil {
		return 0, nil, nil
	}
	victim := slices.Max(cycle)
	r := g.waiting[victim]
	delete(g.edges, victim)
	delete(g.waiting, victim)
	return victim, r, cycle
}

// waiters returns the waiting transactions in ascending id order.
func (g *waitGraph) waiters() []TxnID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TxnID, 0, len(g.edges))
	for txn := range g.edges {
		out = append(out, txn)
	}
	slices.Sort(out)
	return out
}
