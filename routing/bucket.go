package routing

import (
	"container/list"

	"github.com/multiformats/go-multiaddr"

	"github.com/chrisguidry/kademlia-aio/id"
)

// PeerRecord pairs a peer's identifier with the address it was last
// observed at. The identifier is authoritative; the address is the
// latest observation.
type PeerRecord struct {
	ID   id.ID
	Addr multiaddr.Multiaddr
}

// bucket is an insertion-ordered collection of peer records, indexed by
// identifier for O(1) lookup and supporting O(1) move-to-tail. The most
// recently seen peer sits at the tail (list.Back()).
type bucket struct {
	order *list.List
	index map[id.ID]*list.Element
}

func newBucket() *bucket {
	return &bucket{
		order: list.New(),
		index: make(map[id.ID]*list.Element),
	}
}

func (b *bucket) len() int {
	return b.order.Len()
}

func (b *bucket) get(i id.ID) (PeerRecord, bool) {
	el, ok := b.index[i]
	if !ok {
		return PeerRecord{}, false
	}
	return el.Value.(PeerRecord), true
}

// pushBack inserts p at the tail, unconditionally. Callers must ensure p
// is not already present (use remove first to re-insert).
func (b *bucket) pushBack(p PeerRecord) {
	el := b.order.PushBack(p)
	b.index[p.ID] = el
}

func (b *bucket) remove(i id.ID) (PeerRecord, bool) {
	el, ok := b.index[i]
	if !ok {
		return PeerRecord{}, false
	}
	b.order.Remove(el)
	delete(b.index, i)
	return el.Value.(PeerRecord), true
}

// popMostRecent removes and returns the peer at the tail (the most
// recently inserted), used to promote a replacement into a main bucket.
func (b *bucket) popMostRecent() (PeerRecord, bool) {
	el := b.order.Back()
	if el == nil {
		return PeerRecord{}, false
	}
	b.order.Remove(el)
	p := el.Value.(PeerRecord)
	delete(b.index, p.ID)
	return p, true
}

// reversed returns the bucket's peers most-recent-first.
func (b *bucket) reversed() []PeerRecord {
	out := make([]PeerRecord, 0, b.order.Len())
	for el := b.order.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(PeerRecord))
	}
	return out
}

// all returns the bucket's peers oldest-first.
func (b *bucket) all() []PeerRecord {
	out := make([]PeerRecord, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(PeerRecord))
	}
	return out
}
