// Package membership tracks which nodes belong to the working
// cluster: it exchanges heartbeats, watches for silent peers and
// recomputes the member set from the connectivity matrix published
// through the replicated register. The member set is the largest
// group of mutually connected nodes; partitions that lose the
// majority take themselves out of service.
package membership

import "github.com/Charles-Schleich/postgres-cluster/core/cluster"

// FindMaxClique returns the largest set of mutually connected nodes
// in a symmetric adjacency matrix, together with its size. matrix[i]
// holds the neighbor mask of node i+1, self bit included. Ties go to
// the clique found first.
func FindMaxClique(matrix []cluster.Mask, n int) (cluster.Mask, int) {
	bk := cliqueSearch{matrix: matrix, n: n}
	bk.extend(0, cluster.All(n))
	return bk.best, bk.bestSize
}

type cliqueSearch struct {
	matrix   []cluster.Mask
	n        int
	current  cluster.Mask
	size     int
	best     cluster.Mask
	bestSize int
}

// extend grows the current clique with candidates from cand, trying
// nodes in id order. Classic Bron-Kerbosch without pivoting; the
// matrix is at most 64 wide so the simple form is fast enough.
func (s *cliqueSearch) extend(from int, cand cluster.Mask) {
	if s.size > s.bestSize {
		s.best = s.current
		s.bestSize = s.size
	}
	if s.size+cand.Count() <= s.bestSize {
		return // cannot beat the best found so far
	}
	for i := from; i < s.n; i++ {
		if !cand.Has(i + 1) {
			continue
		}
		// A node disconnected from itself is down and joins no clique.
		if !s.matrix[i].Has(i + 1) {
			continue
		}
		s.current = s.current.Set(i + 1)
		s.size++
		s.extend(i+1, cand&s.matrix[i])
		s.current = s.current.Clear(i + 1)
		s.size--
	}
}

// SymmetrizeMatrix keeps an edge only when both endpoints report it.
// A node that sees a peer the peer does not see back is treated as
// disconnected from it.
func SymmetrizeMatrix(matrix []cluster.Mask, n int) {
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !matrix[i].Has(j+1) || !matrix[j].Has(i+1) {
				matrix[i] = matrix[i].Clear(j + 1)
				matrix[j] = matrix[j].Clear(i + 1)
			}
		}
	}
}
