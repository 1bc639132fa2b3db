package kademlia

import (
	"context"
	"sync"

	"github.com/chrisguidry/kademlia-aio/id"
	"github.com/chrisguidry/kademlia-aio/routing"
)

// Put hashes rawKey down to its 160-bit key, locates the k closest
// peers via an iterative lookup, and asks each of them, concurrently,
// to store value. It returns how many of them confirmed the store.
func (n *Node) Put(ctx context.Context, rawKey string, value []byte) (int, error) {
	key := id.HashString(rawKey)

	_, peers, err := n.lookupNode(ctx, key, false)
	if err != nil {
		return 0, err
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, p := range peers {
		wg.Add(1)
		go func(peer routing.PeerRecord) {
			defer wg.Done()
			ok, err := n.Store(ctx, peer.Addr, n.self, key, value)
			if err != nil {
				log.Debugf("store to %s failed: %s", peer.ID, err)
				return
			}
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	return successes, nil
}

// Get checks the local store first, then falls back to a find_value
// driven iterative lookup. It returns ErrNotFound if no peer (including
// this node) holds rawKey.
func (n *Node) Get(ctx context.Context, rawKey string) ([]byte, error) {
	key := id.HashString(rawKey)

	if value, ok := n.getLocal(key); ok {
		return value, nil
	}

	value, _, err := n.lookupNode(ctx, key, true)
	if err != nil {
		return nil, err
	}
	return value, nil
}
