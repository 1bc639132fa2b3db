package rpcengine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisguidry/kademlia-aio/id"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	e := New(conn, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
	})
	return e
}

func engineAddr(t *testing.T, e *Engine) multiaddr.Multiaddr {
	t.Helper()
	m, err := manet.FromNetAddr(e.LocalAddr())
	require.NoError(t, err)
	return m
}

func TestPingStoreFindValueRoundTrip(t *testing.T) {
	server := newTestEngine(t)
	client := newTestEngine(t)

	store := map[string]string{}

	server.Handle("ping", func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error) {
		return "pong", nil
	})
	server.Handle("store", func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error) {
		var key, value string
		require.NoError(t, DecodeArgs(args, &key, &value))
		store[key] = value
		return true, nil
	})
	server.Handle("find_value", func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error) {
		var key string
		require.NoError(t, DecodeArgs(args, &key))
		if v, ok := store[key]; ok {
			return []interface{}{"found", v}, nil
		}
		return []interface{}{"notfound", []interface{}{}}, nil
	})

	serverAddr := engineAddr(t, server)
	ctx := context.Background()

	raw, err := client.Request(ctx, serverAddr, "ping")
	require.NoError(t, err)
	var pong string
	require.NoError(t, DecodeAnswer(raw, &pong))
	assert.Equal(t, "pong", pong)

	raw, err = client.Request(ctx, serverAddr, "store", "hello", "world")
	require.NoError(t, err)
	var stored bool
	require.NoError(t, DecodeAnswer(raw, &stored))
	assert.True(t, stored)

	raw, err = client.Request(ctx, serverAddr, "find_value", "hello")
	require.NoError(t, err)
	var found []interface{}
	require.NoError(t, DecodeAnswer(raw, &found))
	require.Len(t, found, 2)
	assert.Equal(t, "found", found[0])
	assert.Equal(t, "world", found[1])
}

func TestRequestTimesOutAgainstNonListener(t *testing.T) {
	client := newTestEngine(t, WithReplyTimeout(10*time.Millisecond))

	deadConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr, err := manet.FromNetAddr(deadConn.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, deadConn.Close()) // nothing listens here now

	ctx := context.Background()
	_, err = client.Request(ctx, deadAddr, "ping")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLateReplyIsDiscarded(t *testing.T) {
	// A reply for a message id that is no longer pending (already timed
	// out, or never sent) must not panic or be delivered anywhere.
	server := newTestEngine(t)
	unknown, err := id.RandomIdentifier()
	require.NoError(t, err)
	server.handleReply(frame{Direction: directionReply, MessageID: unknown})
}
