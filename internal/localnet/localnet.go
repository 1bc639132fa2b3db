// Package localnet spins up a small network of nodes in a single
// process, each bound to its own loopback UDP port, for manual
// experimentation and integration tests. It is the direct analogue of
// the reference implementation's local_network module: start n nodes,
// then have each ping every other so their routing tables converge.
package localnet

import (
	"context"
	"fmt"
	"net"
	"sync"

	logging "github.com/ipfs/go-log"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/chrisguidry/kademlia-aio/kademlia"
)

var log = logging.Logger("localnet")

// Network is n kademlia nodes bound to loopback UDP, wired together.
type Network struct {
	nodes  []*kademlia.Node
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetwork binds n nodes to loopback UDP ports, each with a
// default-configured kademlia.Node, and introduces every node to every
// other via a ping round so their routing tables are populated before
// returning.
func NewNetwork(ctx context.Context, n int) (*Network, error) {
	if n <= 0 {
		return nil, fmt.Errorf("localnet: n must be positive, got %d", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	nw := &Network{cancel: cancel}

	for i := 0; i < n; i++ {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("localnet: bind node %d: %w", i, err)
		}
		node := kademlia.New(conn, kademlia.Config{})
		nw.nodes = append(nw.nodes, node)

		nw.wg.Add(1)
		go func(node *kademlia.Node) {
			defer nw.wg.Done()
			if err := node.Serve(runCtx); err != nil {
				log.Debugf("node %s stopped serving: %s", node.Self(), err)
			}
		}(node)
	}

	if err := nw.introduceAll(runCtx); err != nil {
		cancel()
		return nil, err
	}

	return nw, nil
}

// introduceAll has every node ping every other node once, so each
// learns about the rest of the network via ordinary update_peer
// bookkeeping.
func (nw *Network) introduceAll(ctx context.Context) error {
	for i, a := range nw.nodes {
		for j, b := range nw.nodes {
			if i == j {
				continue
			}
			addr, err := nodeMultiaddr(b)
			if err != nil {
				return err
			}
			if _, err := a.Ping(ctx, addr, a.Self()); err != nil {
				log.Warnf("introduce %s -> %s failed: %s", a.Self(), b.Self(), err)
			}
		}
	}
	return nil
}

func nodeMultiaddr(n *kademlia.Node) (multiaddr.Multiaddr, error) {
	return manet.FromNetAddr(n.LocalAddr())
}

// Nodes returns the network's member nodes.
func (nw *Network) Nodes() []*kademlia.Node {
	return nw.nodes
}

// Close stops every node and waits for their serve loops to exit.
func (nw *Network) Close() {
	nw.cancel()
	nw.wg.Wait()
	for _, n := range nw.nodes {
		n.Close()
	}
}
