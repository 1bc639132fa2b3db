// Package routing implements the Kademlia routing table: 160 XOR-distance
// buckets, each holding up to k peers with a companion replacement cache,
// following the structure and idiom of go-libp2p-kbucket's RoutingTable
// (a single RWMutex-guarded set of buckets, with PeerAdded/PeerRemoved
// notification hooks) generalized to this package's own bucket-selection
// and closest-peer rules.
package routing

import (
	"fmt"
	"sync"

	"github.com/multiformats/go-multiaddr"

	logging "github.com/ipfs/go-log"

	"github.com/chrisguidry/kademlia-aio/id"
)

var log = logging.Logger("routing")

// DefaultK is the default bucket capacity and lookup-result width.
const DefaultK = 20

// RoutingTable is a Kademlia routing table owned by a single node
// identified by Self. It is safe for concurrent use.
type RoutingTable struct {
	self id.ID
	k    int

	buckets      [id.Bits]*bucket
	replacements [id.Bits]*bucket

	tabLock sync.RWMutex

	// PeerAdded and PeerRemoved are invoked (synchronously, while the
	// table lock is held) whenever a peer enters or leaves a main
	// bucket. Both default to no-ops.
	PeerAdded   func(PeerRecord)
	PeerRemoved func(id.ID)
}

// New creates a routing table for the given local identifier, with
// bucket capacity k. If k <= 0, DefaultK is used.
func New(self id.ID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	rt := &RoutingTable{
		self:        self,
		k:           k,
		PeerAdded:   func(PeerRecord) {},
		PeerRemoved: func(id.ID) {},
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
		rt.replacements[i] = newBucket()
	}
	return rt
}

// Self returns the identifier this table is organized around.
func (rt *RoutingTable) Self() id.ID {
	return rt.self
}

// K returns the configured bucket capacity.
func (rt *RoutingTable) K() int {
	return rt.k
}

// UpdatePeer records an observation of peer p at addr. Self-observations
// are ignored. A peer already present in its bucket is moved to the
// tail with its address refreshed. A new peer is added to its bucket if
// there is room, otherwise to that bucket's replacement cache.
func (rt *RoutingTable) UpdatePeer(p id.ID, addr multiaddr.Multiaddr) {
	if p == rt.self {
		return
	}
	b := id.BucketIndex(rt.self, p)

	rt.tabLock.Lock()
	defer rt.tabLock.Unlock()

	rec := PeerRecord{ID: p, Addr: addr}
	main := rt.buckets[b]

	if _, ok := main.get(p); ok {
		main.remove(p)
		main.pushBack(rec)
		return
	}

	if main.len() < rt.k {
		main.pushBack(rec)
		log.Debugf("added peer %s to bucket %d", p, b)
		rt.PeerAdded(rec)
		return
	}

	repl := rt.replacements[b]
	repl.remove(p)
	repl.pushBack(rec)
}

// ForgetPeer removes p from the table, as a lookup does when a probe to
// p times out. If the bucket's replacement cache is non-empty, its
// most-recently-inserted entry is promoted into the vacated slot. A peer
// not present in the table is a no-op.
func (rt *RoutingTable) ForgetPeer(p id.ID) {
	if p == rt.self {
		return
	}
	b := id.BucketIndex(rt.self, p)

	rt.tabLock.Lock()
	defer rt.tabLock.Unlock()

	main := rt.buckets[b]
	if _, ok := main.remove(p); !ok {
		return
	}
	rt.PeerRemoved(p)

	repl := rt.replacements[b]
	if promoted, ok := repl.popMostRecent(); ok {
		main.pushBack(promoted)
		log.Debugf("promoted replacement %s into bucket %d", promoted.ID, b)
		rt.PeerAdded(promoted)
	}
}

// FindClosestPeers returns up to k peers (or, if k <= 0, up to rt.K())
// selected by sweeping outward from the bucket that key would occupy,
// alternating a step toward the closer buckets and a step toward the
// farther buckets, and within each bucket visiting peers most-recent
// first. Any peer equal to excluding is skipped. The set returned is
// close-correct to the XOR-nearest peers, but the sequence itself is
// not guaranteed to be sorted by distance; callers that need strict
// distance order must sort the result themselves.
func (rt *RoutingTable) FindClosestPeers(key id.ID, excluding *id.ID, k int) []PeerRecord {
	if k <= 0 {
		k = rt.k
	}

	rt.tabLock.RLock()
	defer rt.tabLock.RUnlock()

	start := id.BucketIndex(rt.self, key)
	order := sweepOrder(start)

	result := make([]PeerRecord, 0, k)
	for _, bi := range order {
		if len(result) >= k {
			break
		}
		for _, p := range rt.buckets[bi].reversed() {
			if excluding != nil && p.ID == *excluding {
				continue
			}
			result = append(result, p)
			if len(result) >= k {
				break
			}
		}
	}
	return result
}

// sweepOrder computes the alternating-outward bucket visitation order
// described by FindClosestPeers' doc comment, starting from start (which
// may be id.Bits, the self sentinel, in which case no bucket at that
// index exists and the sweep begins from its neighbors). Each step
// alternates toward the closer buckets (index+1, ..., 159) and then
// the farther buckets (index-1, ..., 0), visiting the closer side
// first at each offset.
func sweepOrder(start int) []int {
	visited := make(map[int]bool, id.Bits)
	order := make([]int, 0, id.Bits)
	add := func(i int) {
		if i < 0 || i >= id.Bits || visited[i] {
			return
		}
		visited[i] = true
		order = append(order, i)
	}

	add(start)
	for offset := 1; len(order) < id.Bits; offset++ {
		closer := start + offset
		farther := start - offset
		add(closer)
		add(farther)
		if closer >= id.Bits && farther < 0 {
			break
		}
	}
	return order
}

// GetPeer returns the address of p if known, main bucket or replacement
// cache.
func (rt *RoutingTable) GetPeer(p id.ID) (multiaddr.Multiaddr, bool) {
	b := id.BucketIndex(rt.self, p)

	rt.tabLock.RLock()
	defer rt.tabLock.RUnlock()

	if rec, ok := rt.buckets[b].get(p); ok {
		return rec.Addr, true
	}
	if rec, ok := rt.replacements[b].get(p); ok {
		return rec.Addr, true
	}
	return nil, false
}

// Size returns the number of peers held in main buckets (replacement
// caches are not counted).
func (rt *RoutingTable) Size() int {
	rt.tabLock.RLock()
	defer rt.tabLock.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += b.len()
	}
	return total
}

// ListPeers returns every peer in every main bucket, bucket 0 first.
func (rt *RoutingTable) ListPeers() []PeerRecord {
	rt.tabLock.RLock()
	defer rt.tabLock.RUnlock()

	var out []PeerRecord
	for _, b := range rt.buckets {
		out = append(out, b.all()...)
	}
	return out
}

// BucketSizes returns the population of every main bucket, for
// diagnostics.
func (rt *RoutingTable) BucketSizes() [id.Bits]int {
	rt.tabLock.RLock()
	defer rt.tabLock.RUnlock()

	var sizes [id.Bits]int
	for i, b := range rt.buckets {
		sizes[i] = b.len()
	}
	return sizes
}

// String renders a short diagnostic summary, mirroring
// go-libp2p-kbucket's RoutingTable.Print.
func (rt *RoutingTable) String() string {
	return fmt.Sprintf("routing.Table{self: %s, k: %d, size: %d}", rt.self, rt.k, rt.Size())
}
