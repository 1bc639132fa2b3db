package kademlia

import (
	"github.com/multiformats/go-multiaddr"

	"github.com/chrisguidry/kademlia-aio/id"
	"github.com/chrisguidry/kademlia-aio/routing"
)

// wireContact is the over-the-wire shape of a routing.PeerRecord: the
// address travels as its string form since multiaddr.Multiaddr is an
// interface CBOR cannot encode directly.
type wireContact struct {
	ID   id.ID  `cbor:"1,keyasint"`
	Addr string `cbor:"2,keyasint"`
}

func toWireContacts(peers []routing.PeerRecord) []wireContact {
	out := make([]wireContact, len(peers))
	for i, p := range peers {
		out[i] = wireContact{ID: p.ID, Addr: p.Addr.String()}
	}
	return out
}

func fromWireContacts(contacts []wireContact) []routing.PeerRecord {
	out := make([]routing.PeerRecord, 0, len(contacts))
	for _, c := range contacts {
		addr, err := multiaddr.NewMultiaddr(c.Addr)
		if err != nil {
			log.Warnf("dropping contact %s with unparseable address %q: %s", c.ID, c.Addr, err)
			continue
		}
		out = append(out, routing.PeerRecord{ID: c.ID, Addr: addr})
	}
	return out
}
