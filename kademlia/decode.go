package kademlia

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chrisguidry/kademlia-aio/routing"
	"github.com/chrisguidry/kademlia-aio/rpcengine"
)

func decodeFindNodeAnswer(payload cbor.RawMessage) ([]routing.PeerRecord, error) {
	var contacts []wireContact
	if err := rpcengine.DecodeAnswer(payload, &contacts); err != nil {
		return nil, err
	}
	return fromWireContacts(contacts), nil
}

// decodeFindValueAnswer decodes a find_value reply's ("found", value) or
// ("notfound", contacts) pair.
func decodeFindValueAnswer(payload cbor.RawMessage) (found bool, value []byte, contacts []routing.PeerRecord, err error) {
	var pair []cbor.RawMessage
	if err := cbor.Unmarshal(payload, &pair); err != nil {
		return false, nil, nil, fmt.Errorf("kademlia: malformed find_value answer: %w", err)
	}
	if len(pair) != 2 {
		return false, nil, nil, fmt.Errorf("kademlia: malformed find_value answer: expected 2 elements, got %d", len(pair))
	}

	var tag string
	if err := cbor.Unmarshal(pair[0], &tag); err != nil {
		return false, nil, nil, err
	}

	switch tag {
	case "found":
		var v []byte
		if err := cbor.Unmarshal(pair[1], &v); err != nil {
			return false, nil, nil, err
		}
		return true, v, nil, nil
	case "notfound":
		var wc []wireContact
		if err := cbor.Unmarshal(pair[1], &wc); err != nil {
			return false, nil, nil, err
		}
		return false, nil, fromWireContacts(wc), nil
	default:
		return false, nil, nil, fmt.Errorf("kademlia: unknown find_value tag %q", tag)
	}
}
