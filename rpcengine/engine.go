// Package rpcengine implements the datagram-based request/reply RPC
// engine: request-id correlation, per-request timeouts, and static
// dispatch-by-procedure-name, over a single bound UDP socket.
//
// Outstanding requests are tracked in a mutex-guarded map keyed by
// message id, each holding a one-shot completion channel that is
// resolved exactly once, by whichever of a matching reply or a timer
// fires first. Handlers are registered in a statically built dispatch
// table rather than discovered by reflection.
package rpcengine

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
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/chrisguidry/kademlia-aio/id"
)

var log = logging.Logger("rpcengine")

// DefaultReplyTimeout is the per-request timeout used when none is
// configured explicitly.
const DefaultReplyTimeout = 5 * time.Second

// ErrTimeout is returned by Request when no reply arrives within the
// configured timeout.
var ErrTimeout = errors.New("rpcengine: request timed out")

// Handler answers an incoming request from peer, given its CBOR-encoded
// positional argument array. It runs synchronously: its return value is
// sent as the reply before the next datagram is processed.
type Handler func(ctx context.Context, from multiaddr.Multiaddr, args cbor.RawMessage) (interface{}, error)

// Engine is one node's RPC endpoint: a single bound UDP socket, a static
// dispatch table, and a table of in-flight requests awaiting reply.
type Engine struct {
	conn net.PacketConn

	replyTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[id.ID]*pendingRequest

	closeOnce sync.Once
	done      chan struct{}
}

type pendingRequest struct {
	result chan requestResult
	timer  *time.Timer
}

type requestResult struct {
	answer cbor.RawMessage
	err    error
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithReplyTimeout overrides DefaultReplyTimeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.replyTimeout = d }
}

// New creates an Engine bound to conn. The engine does not start reading
// datagrams until Serve is called.
func New(conn net.PacketConn, opts ...Option) *Engine {
	e := &Engine{
		conn:         conn,
		replyTimeout: DefaultReplyTimeout,
		handlers:     make(map[string]Handler),
		pending:      make(map[id.ID]*pendingRequest),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LocalAddr returns the engine's bound local address.
func (e *Engine) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Handle registers the handler invoked for incoming requests naming
// procedure. Handlers are declared once, at construction.
func (e *Engine) Handle(procedure string, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[procedure] = h
}

// Serve reads datagrams until ctx is cancelled or Close is called. It is
// typically run in its own goroutine.
func (e *Engine) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, peerNetAddr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
				return nil
			default:
				return fmt.Errorf("rpcengine: read: %w", err)
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		peer, maErr := manet.FromNetAddr(peerNetAddr)
		if maErr != nil {
			log.Warnf("dropping datagram from unaddressable peer %v: %s", peerNetAddr, maErr)
			continue
		}
		e.handleDatagram(ctx, peer, data)
	}
}

// Close releases the engine's socket and fails every pending request
// with ErrTimeout (new requests are not expected once Close is called).
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.conn.Close()

		e.pendingMu.Lock()
		pending := e.pending
		e.pending = make(map[id.ID]*pendingRequest)
		e.pendingMu.Unlock()
		for _, pr := range pending {
			if pr.timer != nil {
				pr.timer.Stop()
			}
			pr.result <- requestResult{err: ErrTimeout}
		}
	})
	return err
}

func (e *Engine) handleDatagram(ctx context.Context, peer multiaddr.Multiaddr, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		log.Warnf("dropping malformed datagram from %s: %s", peer, err)
		return
	}

	switch f.Direction {
	case directionRequest:
		e.handleRequest(ctx, peer, f)
	case directionReply:
		e.handleReply(f)
	}
}

func (e *Engine) handleRequest(ctx context.Context, peer multiaddr.Multiaddr, f frame) {
	e.handlersMu.RLock()
	h, ok := e.handlers[f.Procedure]
	e.handlersMu.RUnlock()
	if !ok {
		log.Warnf("dropping request for unknown procedure %q from %s", f.Procedure, peer)
		return
	}

	answer, err := h(ctx, peer, f.Args)
	if err != nil {
		log.Warnf("handler for %q returned error for %s: %s", f.Procedure, peer, err)
		return
	}
	if err := e.reply(peer, f.MessageID, answer); err != nil {
		log.Warnf("failed to send reply to %s: %s", peer, err)
	}
}

func (e *Engine) handleReply(f frame) {
	e.pendingMu.Lock()
	pr, ok := e.pending[f.MessageID]
	if ok {
		delete(e.pending, f.MessageID)
	}
	e.pendingMu.Unlock()

	if !ok {
		// Late or duplicate reply; discard silently.
		return
	}
	pr.timer.Stop()
	pr.result <- requestResult{answer: f.Answer}
}

// Request sends procedure(args...) to peer and blocks for a reply or
// timeout, whichever comes first. A fresh random message id is
// generated for correlation. Timeouts are surfaced as ErrTimeout.
func (e *Engine) Request(ctx context.Context, peer multiaddr.Multiaddr, procedure string, args ...interface{}) (cbor.RawMessage, error) {
	messageID, err := id.RandomIdentifier()
	if err != nil {
		return nil, fmt.Errorf("rpcengine: generate message id: %w", err)
	}

	pr := &pendingRequest{result: make(chan requestResult, 1)}
	e.pendingMu.Lock()
	e.pending[messageID] = pr
	e.pendingMu.Unlock()

	pr.timer = time.AfterFunc(e.replyTimeout, func() { e.timeout(messageID) })

	data, err := encodeRequest(messageID, procedure, args)
	if err != nil {
		e.abandon(messageID)
		return nil, err
	}

	netAddr, err := manet.ToNetAddr(peer)
	if err != nil {
		e.abandon(messageID)
		return nil, fmt.Errorf("rpcengine: resolve peer address %s: %w", peer, err)
	}

	if _, err := e.conn.WriteTo(data, netAddr); err != nil {
		e.abandon(messageID)
		return nil, fmt.Errorf("rpcengine: send to %s: %w", peer, err)
	}

	select {
	case res := <-pr.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.answer, nil
	case <-ctx.Done():
		e.abandon(messageID)
		return nil, ctx.Err()
	}
}

func (e *Engine) timeout(messageID id.ID) {
	e.pendingMu.Lock()
	pr, ok := e.pending[messageID]
	if ok {
		delete(e.pending, messageID)
	}
	e.pendingMu.Unlock()

	if !ok {
		return
	}
	pr.result <- requestResult{err: ErrTimeout}
}

func (e *Engine) abandon(messageID id.ID) {
	e.pendingMu.Lock()
	pr, ok := e.pending[messageID]
	if ok {
		delete(e.pending, messageID)
	}
	e.pendingMu.Unlock()
	if ok && pr.timer != nil {
		pr.timer.Stop()
	}
}

// reply sends a single reply datagram to peer, answering messageID.
func (e *Engine) reply(peer multiaddr.Multiaddr, messageID id.ID, answer interface{}) error {
	data, err := encodeReply(messageID, answer)
	if err != nil {
		return err
	}
	netAddr, err := manet.ToNetAddr(peer)
	if err != nil {
		return fmt.Errorf("rpcengine: resolve peer address %s: %w", peer, err)
	}
	_, err = e.conn.WriteTo(data, netAddr)
	return err
}
