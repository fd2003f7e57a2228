// Package deadlock detects distributed deadlocks. Each node
// serializes its local lock waits as a wait-for graph over global
// transaction ids, publishes it through the replicated register, and
// the node whose backend is stuck unions all graphs and searches for
// a cycle through its own transaction.
package deadlock

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Edge records one local lock wait: Waiter blocks on a lock Holder
// owns.
type Edge struct {
	Waiter txstate.GTID
	Holder txstate.GTID
}

// Graph is a wait-for graph over global transaction ids.
type Graph struct {
	adj map[txstate.GTID][]txstate.GTID
}

func NewGraph() *Graph {
	return &Graph{adj: make(map[txstate.GTID][]txstate.GTID)}
}

// Add inserts a wait edge.
func (g *Graph) Add(waiter, holder txstate.GTID) {
	g.adj[waiter] = append(g.adj[waiter], holder)
}

// Merge unions another serialized graph into g.
func (g *Graph) Merge(edges []Edge) {
	for _, e := range edges {
		g.Add(e.Waiter, e.Holder)
	}
}

// HasCycleFrom reports whether a wait path leads from start back to
// start.
func (g *Graph) HasCycleFrom(start txstate.GTID) bool {
	visited := make(map[txstate.GTID]bool)
	var dfs func(v txstate.GTID) bool
	dfs = func(v txstate.GTID) bool {
		for _, next := range g.adj[v] {
			if next == start {
				return true
			}
			if !visited[next] {
				visited[next] = true
				if dfs(next) {
					return true
				}
			}
		}
		return false
	}
	visited[start] = true
	return dfs(start)
}

// Reachable visits every transaction transitively blocking start.
func (g *Graph) Reachable(start txstate.GTID, fn func(txstate.GTID) bool) bool {
	visited := map[txstate.GTID]bool{start: true}
	stack := []txstate.GTID{start}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.adj[v] {
			if visited[next] {
				continue
			}
			visited[next] = true
			if fn(next) {
				return true
			}
			stack = append(stack, next)
		}
	}
	return false
}

// Wire format: groups of GTIDs, each group a waiter followed by its
// holders and closed by a zero GTID. A GTID is node(4) xid(8), big
// endian.

func writeGTID(buf *bytes.Buffer, g txstate.GTID) {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(g.Node))
	binary.BigEndian.PutUint64(b[4:12], uint64(g.XID))
	buf.Write(b[:])
}

func readGTID(r *bytes.Reader) (txstate.GTID, error) {
	var b [12]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return txstate.GTID{}, err
	}
	return txstate.GTID{
		Node: txstate.NodeID(binary.BigEndian.Uint32(b[0:4])),
		XID:  txstate.XID(binary.BigEndian.Uint64(b[4:12])),
	}, nil
}

// SerializeEdges encodes a local wait-for graph for the register.
// Edges sharing a waiter are grouped.
func SerializeEdges(edges []Edge) []byte {
	groups := make(map[txstate.GTID][]txstate.GTID)
	var order []txstate.GTID
	for _, e := range edges {
		if _, ok := groups[e.Waiter]; !ok {
			order = append(order, e.Waiter)
		}
		groups[e.Waiter] = append(groups[e.Waiter], e.Holder)
	}
	var buf bytes.Buffer
	for _, waiter := range order {
		writeGTID(&buf, waiter)
		for _, holder := range groups[waiter] {
			writeGTID(&buf, holder)
		}
		writeGTID(&buf, txstate.GTID{})
	}
	return buf.Bytes()
}

// DeserializeEdges decodes a graph published by SerializeEdges.
func DeserializeEdges(data []byte) ([]Edge, error) {
	r := bytes.NewReader(data)
	var edges []Edge
	for r.Len() > 0 {
		waiter, err := readGTID(r)
		if err != nil {
			return nil, fmt.Errorf("deadlock: truncated graph: %w", err)
		}
		if !waiter.Valid() {
			return nil, fmt.Errorf("deadlock: group starts with terminator")
		}
		for {
			holder, err := readGTID(r)
			if err != nil {
				return nil, fmt.Errorf("deadlock: unterminated group: %w", err)
			}
			if !holder.Valid() {
				break
			}
			edges = append(edges, Edge{Waiter: waiter, Holder: holder})
		}
	}
	return edges, nil
}
