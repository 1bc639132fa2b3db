// Package kademlia composes the identifier space, routing table, and RPC
// engine into a running node: the four wire procedures (ping, store,
// find_node, find_value), the iterative node lookup they're built on,
// and the put/get operations applications actually call.
package kademlia

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	logging "github.com/ipfs/go-log"
	"github.com/multiformats/go-multiaddr"

	"github.com/chrisguidry/kademlia-aio/id"
	"github.com/chrisguidry/kademlia-aio/routing"
	"github.com/chrisguidry/kademlia-aio/rpcengine"
)

var log = logging.Logger("kademlia")

// DefaultAlpha is the default lookup parallelism.
const DefaultAlpha = 3

// ErrNoPeersAvailable is returned by a lookup that has no seed peers to
// start from: an empty routing table and no bootstrap contact.
var ErrNoPeersAvailable = errors.New("kademlia: no peers available to start lookup")

// ErrNotFound is returned by Get and FindValue-driven lookups when no
// peer holds the requested key.
var ErrNotFound = errors.New("kademlia: value not found")

// Config configures a Node at construction time.
type Config struct {
	// Identifier is this node's identifier. A random one is drawn if nil.
	Identifier *id.ID

	// K is the bucket capacity and lookup result width. DefaultK if <= 0.
	K int

	// Alpha is the lookup parallelism. DefaultAlpha if <= 0.
	Alpha int

	// ReplyTimeout bounds how long a single RPC waits for its reply.
	// rpcengine.DefaultReplyTimeout if zero.
	ReplyTimeout time.Duration
}

// Node is a single participant in the network: a routing table, a value
// store, and the RPC engine wiring the two to the wire procedures.
type Node struct {
	self  id.ID
	k     int
	alpha int

	table  *routing.RoutingTable
	engine *rpcengine.Engine

	storeMu sync.RWMutex
	store   map[id.ID][]byte
}

// New creates a Node bound to conn. It does not start serving until
// Serve is called.
func New(conn net.PacketConn, cfg Config) *Node {
	self := id.MustRandomIdentifier()
	if cfg.Identifier != nil {
		self = *cfg.Identifier
	}
	k := cfg.K
	if k <= 0 {
		k = routing.DefaultK
	}
	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = DefaultAlpha
	}

	var opts []rpcengine.Option
	if cfg.ReplyTimeout > 0 {
		opts = append(opts, rpcengine.WithReplyTimeout(cfg.ReplyTimeout))
	}

	n := &Node{
		self:   self,
		k:      k,
		alpha:  alpha,
		table:  routing.New(self, k),
		engine: rpcengine.New(conn, opts...),
		store:  make(map[id.ID][]byte),
	}

	n.engine.Handle("ping", n.wrap(n.handlePing))
	n.engine.Handle("store", n.wrap(n.handleStore))
	n.engine.Handle("find_node", n.wrap(n.handleFindNode))
	n.engine.Handle("find_value", n.wrap(n.handleFindValue))

	return n
}

// Self returns this node's identifier.
func (n *Node) Self() id.ID { return n.self }

// LocalAddr returns the bound local address.
func (n *Node) LocalAddr() net.Addr { return n.engine.LocalAddr() }

// Table returns the routing table, for diagnostics (REPL, metrics).
func (n *Node) Table() *routing.RoutingTable { return n.table }

// Serve reads and answers datagrams until ctx is cancelled.
func (n *Node) Serve(ctx context.Context) error { return n.engine.Serve(ctx) }

// Close releases the node's socket.
func (n *Node) Close() error { return n.engine.Close() }

// Bootstrap seeds the routing table with a single known peer by pinging
// it, then runs a self-lookup so the table fills out with peers the
// bootstrap contact already knows about.
func (n *Node) Bootstrap(ctx context.Context, addr multiaddr.Multiaddr) error {
	if _, err := n.Ping(ctx, addr, n.self); err != nil {
		return fmt.Errorf("kademlia: bootstrap ping: %w", err)
	}
	_, _, err := n.lookupNode(ctx, n.self, false)
	if err != nil && !errors.Is(err, ErrNoPeersAvailable) {
		return err
	}
	return nil
}

// innerHandler is a wire procedure's logic after the generic sender-id
// bookkeeping wrap has been applied.
type innerHandler func(ctx context.Context, from multiaddr.Multiaddr, senderID id.ID, rest cbor.RawMessage) (interface{}, error)

// wrap adapts an innerHandler into an rpcengine.Handler: every incoming
// request's leading positional argument is the sender's identifier.
// wrap peels it off, records the observation in the routing table
// before any handler-specific logic runs, and wraps the handler's
// answer as the (self.id, payload) pair every wire procedure replies
// with.
func (n *Node) wrap(h innerHandler) rpcengine.Handler {
	return func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error) {
		var elements []cbor.RawMessage
		if err := cbor.Unmarshal(args, &elements); err != nil {
			return nil, fmt.Errorf("kademlia: decode request args: %w", err)
		}
		if len(elements) < 1 {
			return nil, errors.New("kademlia: request missing sender id")
		}

		var senderID id.ID
		if err := cbor.Unmarshal(elements[0], &senderID); err != nil {
			return nil, fmt.Errorf("kademlia: decode sender id: %w", err)
		}
		n.table.UpdatePeer(senderID, from)

		rest, err := cbor.Marshal(elements[1:])
		if err != nil {
			return nil, err
		}

		payload, err := h(ctx, from, senderID, rest)
		if err != nil {
			return nil, err
		}
		return []interface{}{n.self, payload}, nil
	}
}

// call sends procedure(selfID, args...) to addr, unwraps the reply's
// (sender_id, payload) pair, records the observation, and returns the
// raw payload for the caller to decode.
func (n *Node) call(ctx context.Context, addr multiaddr.Multiaddr, procedure string, selfID id.ID, args ...interface{}) (cbor.RawMessage, error) {
	full := append([]interface{}{selfID}, args...)
	raw, err := n.engine.Request(ctx, addr, procedure, full...)
	if err != nil {
		return nil, err
	}

	var pair []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("kademlia: malformed reply: %w", err)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("kademlia: malformed reply: expected 2 elements, got %d", len(pair))
	}

	var senderID id.ID
	if err := cbor.Unmarshal(pair[0], &senderID); err != nil {
		return nil, fmt.Errorf("kademlia: decode reply sender id: %w", err)
	}
	n.table.UpdatePeer(senderID, addr)

	return pair[1], nil
}

// Ping is the public ping operation: it confirms addr is reachable and
// returns the identifier it answers with.
func (n *Node) Ping(ctx context.Context, addr multiaddr.Multiaddr, selfID id.ID) (id.ID, error) {
	payload, err := n.call(ctx, addr, "ping", selfID)
	if err != nil {
		return id.ID{}, err
	}
	var peerID id.ID
	if err := rpcengine.DecodeAnswer(payload, &peerID); err != nil {
		return id.ID{}, err
	}
	return peerID, nil
}

// Store is the public store operation: it asks addr to hold value under
// key and reports whether it did.
func (n *Node) Store(ctx context.Context, addr multiaddr.Multiaddr, selfID, key id.ID, value []byte) (bool, error) {
	payload, err := n.call(ctx, addr, "store", selfID, key, value)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := rpcengine.DecodeAnswer(payload, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// FindNode is the public find_node operation: it asks addr for its k
// closest known peers to key.
func (n *Node) FindNode(ctx context.Context, addr multiaddr.Multiaddr, selfID, key id.ID) ([]routing.PeerRecord, error) {
	payload, err := n.call(ctx, addr, "find_node", selfID, key)
	if err != nil {
		return nil, err
	}
	var contacts []wireContact
	if err := rpcengine.DecodeAnswer(payload, &contacts); err != nil {
		return nil, err
	}
	return fromWireContacts(contacts), nil
}

// FindValueResult is the outcome of a find_value call: either the value
// itself, or a set of contacts closer to the key.
type FindValueResult struct {
	Found    bool
	Value    []byte
	Contacts []routing.PeerRecord
}

// FindValue is the public find_value operation.
func (n *Node) FindValue(ctx context.Context, addr multiaddr.Multiaddr, selfID, key id.ID) (FindValueResult, error) {
	payload, err := n.call(ctx, addr, "find_value", selfID, key)
	if err != nil {
		return FindValueResult{}, err
	}

	var pair []cbor.RawMessage
	if err := cbor.Unmarshal(payload, &pair); err != nil {
		return FindValueResult{}, fmt.Errorf("kademlia: malformed find_value answer: %w", err)
	}
	if len(pair) != 2 {
		return FindValueResult{}, fmt.Errorf("kademlia: malformed find_value answer: expected 2 elements, got %d", len(pair))
	}

	var tag string
	if err := cbor.Unmarshal(pair[0], &tag); err != nil {
		return FindValueResult{}, err
	}

	switch tag {
	case "found":
		var value []byte
		if err := cbor.Unmarshal(pair[1], &value); err != nil {
			return FindValueResult{}, err
		}
		return FindValueResult{Found: true, Value: value}, nil
	case "notfound":
		var contacts []wireContact
		if err := cbor.Unmarshal(pair[1], &contacts); err != nil {
			return FindValueResult{}, err
		}
		return FindValueResult{Contacts: fromWireContacts(contacts)}, nil
	default:
		return FindValueResult{}, fmt.Errorf("kademlia: unknown find_value tag %q", tag)
	}
}

func (n *Node) handlePing(ctx context.Context, from multiaddr.Multiaddr, senderID id.ID, rest cbor.RawMessage) (interface{}, error) {
	return n.self, nil
}

func (n *Node) handleStore(ctx context.Context, from multiaddr.Multiaddr, senderID id.ID, rest cbor.RawMessage) (interface{}, error) {
	var key id.ID
	var value []byte
	if err := rpcengine.DecodeArgs(rest, &key, &value); err != nil {
		return nil, err
	}
	n.storeMu.Lock()
	n.store[key] = value
	n.storeMu.Unlock()
	return true, nil
}

func (n *Node) handleFindNode(ctx context.Context, from multiaddr.Multiaddr, senderID id.ID, rest cbor.RawMessage) (interface{}, error) {
	var key id.ID
	if err := rpcengine.DecodeArgs(rest, &key); err != nil {
		return nil, err
	}
	peers := n.table.FindClosestPeers(key, &senderID, n.k)
	return toWireContacts(peers), nil
}

func (n *Node) handleFindValue(ctx context.Context, from multiaddr.Multiaddr, senderID id.ID, rest cbor.RawMessage) (interface{}, error) {
	var key id.ID
	if err := rpcengine.DecodeArgs(rest, &key); err != nil {
		return nil, err
	}
	if value, ok := n.getLocal(key); ok {
		return []interface{}{"found", value}, nil
	}
	peers := n.table.FindClosestPeers(key, &senderID, n.k)
	return []interface{}{"notfound", toWireContacts(peers)}, nil
}

func (n *Node) getLocal(key id.ID) ([]byte, bool) {
	n.storeMu.RLock()
	defer n.storeMu.RUnlock()
	v, ok := n.store[key]
	return v, ok
}
