package dht

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/opd-ai/meshconnect/identity"
)

// bucketCount matches the bit width of a PeerId: one k-bucket per possible
// first-differing-bit position.
const bucketCount = identity.PeerIdSize * 8

// KBucket stores up to maxSize nodes at a given XOR-distance range from the
// local node; when full, only a node marked bad is replaced.
type KBucket struct {
	nodes   []*Node
	maxSize int
	mu      sync.RWMutex
}

// NewKBucket creates an empty k-bucket with the given capacity.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{nodes: make([]*Node, 0, maxSize), maxSize: maxSize}
}

// AddNode inserts or refreshes node, following Kademlia's bucket-replacement
// rule: an existing entry moves to the most-recently-seen end; a bucket with
// free space takes the node outright; a full bucket evicts the first bad
// node it finds; otherwise the insert is rejected.
func (kb *KBucket) AddNode(node *Node) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, existing := range kb.nodes {
		if existing.ID.Equal(node.ID) {
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			kb.nodes = append(kb.nodes, node)
			return true
		}
	}

	if len(kb.nodes) < kb.maxSize {
		kb.nodes = append(kb.nodes, node)
		return true
	}

	for i, existing := range kb.nodes {
		if existing.Status == StatusBad {
			kb.nodes[i] = node
			return true
		}
	}
	return false
}

// GetNodes returns a copy of the bucket's current contents.
func (kb *KBucket) GetNodes() []*Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	result := make([]*Node, len(kb.nodes))
	copy(result, kb.nodes)
	return result
}

// RemoveNode removes the entry for id, if present.
func (kb *KBucket) RemoveNode(id identity.PeerId) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	for i, node := range kb.nodes {
		if node.ID.Equal(id) {
			last := len(kb.nodes) - 1
			kb.nodes[i] = kb.nodes[last]
			kb.nodes = kb.nodes[:last]
			return true
		}
	}
	return false
}

// RoutingTable is a Kademlia-style routing table of bucketCount k-buckets,
// indexed by the position of the first bit that differs from the local id.
type RoutingTable struct {
	buckets [bucketCount]*KBucket
	selfID  identity.PeerId
	mu      sync.RWMutex
}

// NewRoutingTable creates a routing table for selfID with maxBucketSize
// entries per bucket.
func NewRoutingTable(selfID identity.PeerId, maxBucketSize int) *RoutingTable {
	rt := &RoutingTable{selfID: selfID}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(maxBucketSize)
	}
	return rt
}

// AddNode places node in the appropriate bucket. Self-entries are rejected.
func (rt *RoutingTable) AddNode(node *Node) bool {
	if node.ID.Equal(rt.selfID) {
		return false
	}
	self := &Node{ID: rt.selfID}
	dist := node.Distance(self)
	idx := bucketIndex(dist)

	rt.mu.RLock()
	bucket := rt.buckets[idx]
	rt.mu.RUnlock()
	return bucket.AddNode(node)
}

// RemoveNode removes id from whichever bucket it lives in.
func (rt *RoutingTable) RemoveNode(id identity.PeerId) bool {
	self := &Node{ID: rt.selfID}
	dist := (&Node{ID: id}).Distance(self)
	idx := bucketIndex(dist)

	rt.mu.RLock()
	bucket := rt.buckets[idx]
	rt.mu.RUnlock()
	return bucket.RemoveNode(id)
}

// FindClosestNodes returns up to count nodes ordered by ascending XOR
// distance to targetID, the core DHT lookup primitive used by find/announce.
func (rt *RoutingTable) FindClosestNodes(targetID identity.PeerId, count int) []*Node {
	target := &Node{ID: targetID}

	all := rt.AllNodes()
	sort.Slice(all, func(i, j int) bool {
		return lessDistance(all[i].Distance(target), all[j].Distance(target))
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// AllNodes returns every node currently known across all buckets.
func (rt *RoutingTable) AllNodes() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	all := make([]*Node, 0, len(rt.buckets))
	for _, bucket := range rt.buckets {
		all = append(all, bucket.GetNodes()...)
	}
	return all
}

// Count returns the total number of known nodes, used by the local-network
// manager's announce-timer backoff (§4.3: re-arm only if fewer than 2 nodes
// are known).
func (rt *RoutingTable) Count() int {
	return len(rt.AllNodes())
}

// RandomNode returns an arbitrary known node, or nil if the table is empty.
// Used by the relay coordinator to sample candidates from the IPv4 DHT.
func (rt *RoutingTable) RandomNode() *Node {
	all := rt.AllNodes()
	if len(all) == 0 {
		return nil
	}
	return all[rand.IntN(len(all))]
}

// bucketIndex returns the position of the first non-zero bit in distance,
// i.e. the bucket a node at that XOR distance belongs in.
func bucketIndex(distance [identity.PeerIdSize]byte) int {
	for i, b := range distance {
		if b == 0 {
			continue
		}
		for j := 0; j < 8; j++ {
			if (b>>(7-j))&1 == 1 {
				return i*8 + j
			}
		}
	}
	return bucketCount - 1
}

// lessDistance compares two XOR distances lexicographically, most
// significant byte first.
func lessDistance(a, b [identity.PeerIdSize]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
