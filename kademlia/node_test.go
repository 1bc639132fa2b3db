package kademlia

import (
	"context"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisguidry/kademlia-aio/id"
	"github.com/chrisguidry/kademlia-aio/rpcengine"
)

func idOf(t *testing.T, v int64) id.ID {
	t.Helper()
	out, err := id.FromBigInt(big.NewInt(v))
	require.NoError(t, err)
	return out
}

func newTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	n := New(conn, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go n.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		n.Close()
	})
	return n
}

func nodeAddr(t *testing.T, n *Node) multiaddr.Multiaddr {
	t.Helper()
	a, err := manet.FromNetAddr(n.LocalAddr())
	require.NoError(t, err)
	return a
}

// callLog records, in order, the identifiers of stub peers as they are
// contacted, for asserting the exact call count and ordering scenario 5
// and 6 require.
type callLog struct {
	mu    sync.Mutex
	calls []int64
}

func (c *callLog) record(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, v)
}

func (c *callLog) snapshot() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.calls))
	copy(out, c.calls)
	return out
}

// startStub runs a bare rpcengine.Engine answering find_node and/or
// find_value with a fixed, scripted answer, recording every call it
// receives to log. A nil answer leaves that procedure unregistered.
func startStub(t *testing.T, v int64, findNodeAnswer, findValueAnswer interface{}, log *callLog) (id.ID, multiaddr.Multiaddr) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	selfID := idOf(t, v)
	e := rpcengine.New(conn)

	if findNodeAnswer != nil {
		e.Handle("find_node", func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error) {
			log.record(v)
			return []interface{}{selfID, findNodeAnswer}, nil
		})
	}
	if findValueAnswer != nil {
		e.Handle("find_value", func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error) {
			log.record(v)
			return []interface{}{selfID, findValueAnswer}, nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go e.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
	})

	addr, err := manet.FromNetAddr(conn.LocalAddr())
	require.NoError(t, err)
	return selfID, addr
}

// startSilentStub runs a bare rpcengine.Engine whose find_node handler
// records the call to log and then fails, so the request is received
// but never answered and the caller times out.
func startSilentStub(t *testing.T, v int64, log *callLog) multiaddr.Multiaddr {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	e := rpcengine.New(conn)
	e.Handle("find_node", func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error) {
		log.record(v)
		return nil, errors.New("silent stub: no reply")
	})

	ctx, cancel := context.WithCancel(context.Background())
	go e.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
	})

	addr, err := manet.FromNetAddr(conn.LocalAddr())
	require.NoError(t, err)
	return addr
}

// startDeadStub binds a socket and immediately closes it, so requests
// sent to its address never receive a reply.
func startDeadStub(t *testing.T) multiaddr.Multiaddr {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := manet.FromNetAddr(conn.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	return addr
}

// ping and store/find round trip between
// two real nodes.
func TestPingStoreFindRoundTrip(t *testing.T) {
	n1 := newTestNode(t, Config{Identifier: idPtr(idOf(t, 1))})
	n2 := newTestNode(t, Config{Identifier: idPtr(idOf(t, 2))})

	ctx := context.Background()
	n2Addr := nodeAddr(t, n2)

	gotID, err := n1.Ping(ctx, n2Addr, n1.Self())
	require.NoError(t, err)
	assert.Equal(t, n2.Self(), gotID)

	key := id.HashString("hello")
	ok, err := n1.Store(ctx, n2Addr, n1.Self(), key, []byte("world"))
	require.NoError(t, err)
	assert.True(t, ok)

	result, err := n1.FindValue(ctx, n2Addr, n1.Self(), key)
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, []byte("world"), result.Value)

	unknown := id.HashString("unknown-key")
	result, err = n1.FindValue(ctx, n2Addr, n1.Self(), unknown)
	require.NoError(t, err)
	assert.False(t, result.Found)
	for _, c := range result.Contacts {
		assert.NotEqual(t, n1.Self(), c.ID)
	}
}

func TestPingTimesOutAgainstDeadPeer(t *testing.T) {
	n1 := newTestNode(t, Config{ReplyTimeout: 10 * time.Millisecond})
	dead := startDeadStub(t)

	_, err := n1.Ping(context.Background(), dead, n1.Self())
	assert.ErrorIs(t, err, rpcengine.ErrTimeout)
}

// lookup_node with one dead peer, exact
// final peer set and call count.
func TestLookupNodeWithDeadPeer(t *testing.T) {
	log := &callLog{}
	target := idOf(t, 1500)

	id2002, addr2002 := startStub(t, 2002, toWireContacts(nil), nil, log)
	id2003, addr2003 := startStub(t, 2003, toWireContacts(nil), nil, log)
	id50000, addr50000 := startStub(t, 50000, toWireContacts(nil), nil, log)
	addr1003 := startSilentStub(t, 1003, log)
	id1003 := idOf(t, 1003)

	round1Contacts := []wireContactFixture{
		{id2002, addr2002},
		{id2003, addr2003},
		{id1003, addr1003},
		{id50000, addr50000},
	}
	id2001, addr2001 := startStub(t, 2001, fixturesToWire(t, round1Contacts), nil, log)
	id1001, addr1001 := startStub(t, 1001, toWireContacts(nil), nil, log)

	self := newTestNode(t, Config{Identifier: idPtr(idOf(t, 123)), K: 4})
	self.table.UpdatePeer(id2001, addr2001)
	self.table.UpdatePeer(id1001, addr1001)

	_, peers, err := self.lookupNode(context.Background(), target, false)
	require.NoError(t, err)

	gotIDs := make([]int64, len(peers))
	for i, p := range peers {
		gotIDs[i] = toInt64(t, p.ID)
	}
	assert.Equal(t, []int64{2001, 2002, 2003, 1001}, gotIDs)

	calls := log.snapshot()
	assert.Len(t, calls, 6)
	assert.ElementsMatch(t, []int64{2001, 1001, 2002, 2003, 1003, 50000}, calls)
}

// find_value short-circuits as soon as a
// probe answers "found", without probing the rest of that round.
func TestLookupNodeFindValueShortCircuit(t *testing.T) {
	log := &callLog{}
	target := idOf(t, 1500)

	// 2003, 1003, and 50000 are advertised as contacts but must never
	// actually be dialed (the lookup short-circuits on 2002 first), so
	// a single unreachable placeholder address stands in for all three.
	placeholder := startDeadStub(t)

	foundValue := []interface{}{"found", []byte("world")}
	id2002, addr2002 := startStub(t, 2002, nil, foundValue, log)

	round1Contacts := []wireContactFixture{
		{id2002, addr2002},
		{idOf(t, 2003), placeholder},
		{idOf(t, 1003), placeholder},
		{idOf(t, 50000), placeholder},
	}

	notFoundEmpty := []interface{}{"notfound", []wireContact{}}
	_, addr1001 := startStub(t, 1001, nil, notFoundEmpty, log)

	notFound1 := []interface{}{"notfound", fixturesToWire(t, round1Contacts)}
	id2001, addr2001 := startStub(t, 2001, nil, notFound1, log)

	self := newTestNode(t, Config{Identifier: idPtr(idOf(t, 123)), K: 4})
	self.table.UpdatePeer(id2001, addr2001)
	self.table.UpdatePeer(idOf(t, 1001), addr1001)

	value, _, err := self.lookupNode(context.Background(), target, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), value)

	calls := log.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, []int64{2001, 1001, 2002}, calls)
}

// Idempotence: get(k) immediately after a successful put(k, v) returns v.
func TestPutThenGet(t *testing.T) {
	nodes := make([]*Node, 4)
	for i := range nodes {
		nodes[i] = newTestNode(t, Config{Identifier: idPtr(idOf(t, int64(100+i))), K: 20})
	}
	for i, n := range nodes {
		for j, other := range nodes {
			if i == j {
				continue
			}
			n.table.UpdatePeer(other.Self(), nodeAddr(t, other))
		}
	}

	ctx := context.Background()
	successes, err := nodes[0].Put(ctx, "hello", []byte("world"))
	require.NoError(t, err)
	assert.Greater(t, successes, 0)

	value, err := nodes[0].Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), value)
}

func TestGetUnknownKeyFails(t *testing.T) {
	n := newTestNode(t, Config{Identifier: idPtr(idOf(t, 1))})
	peer := newTestNode(t, Config{Identifier: idPtr(idOf(t, 2))})
	n.table.UpdatePeer(peer.Self(), nodeAddr(t, peer))

	_, err := n.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupNodeNoPeersAvailable(t *testing.T) {
	n := newTestNode(t, Config{Identifier: idPtr(idOf(t, 1))})
	_, _, err := n.lookupNode(context.Background(), idOf(t, 2), false)
	assert.ErrorIs(t, err, ErrNoPeersAvailable)
}

// --- fixtures ---

type wireContactFixture struct {
	id   id.ID
	addr multiaddr.Multiaddr
}

func fixturesToWire(t *testing.T, fixtures []wireContactFixture) []wireContact {
	t.Helper()
	out := make([]wireContact, len(fixtures))
	for i, f := range fixtures {
		require.NotNil(t, f.addr, "fixture %d missing address", i)
		out[i] = wireContact{ID: f.id, Addr: f.addr.String()}
	}
	return out
}

func toInt64(t *testing.T, i id.ID) int64 {
	t.Helper()
	return i.BigInt().Int64()
}

func idPtr(i id.ID) *id.ID { return &i }
