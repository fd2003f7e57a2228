package cluster

import "math/bits"

// MaxNodes is the hard cluster size limit. Node sets fit in a single
// 64-bit mask, which keeps connectivity exchange and clique search
// cheap.
const MaxNodes = 64

// Mask is a set of nodes. Bit i corresponds to node id i+1.
type Mask uint64

// Set returns the mask with the node's bit set.
func (m Mask) Set(node int) Mask { return m | 1<<uint(node-1) }

// Clear returns the mask with the node's bit cleared.
func (m Mask) Clear(node int) Mask { return m &^ (1 << uint(node-1)) }

// Has reports whether the node's bit is set.
func (m Mask) Has(node int) bool { return m&(1<<uint(node-1)) != 0 }

// Count returns the number of nodes in the set.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// All returns a mask with the first n node bits set.
func All(n int) Mask {
	if n >= MaxNodes {
		return ^Mask(0)
	}
	return Mask(1)<<uint(n) - 1
}
