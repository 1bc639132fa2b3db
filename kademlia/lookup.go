package kademlia

import (
	"context"
	"errors"
	"sort"

	"github.com/chrisguidry/kademlia-aio/id"
	"github.com/chrisguidry/kademlia-aio/routing"
	"github.com/chrisguidry/kademlia-aio/rpcengine"
)

// lookupNode is the iterative node lookup both FindNode-style routing
// and value retrieval are built on. It seeds from the local routing
// table, then queries the alpha closest uncontacted peers known so far,
// one round at a time, merging each reply's contacts into the
// candidate set, until a round contacts nobody new.
//
// If findValue is true, a "found" answer from any peer returns that
// value immediately, short-circuiting the rest of the lookup.
//
// It returns either a found value (findValue lookups only) or the k
// closest surviving peers sorted by distance to target (plain node
// lookups). Exactly one of the two return values is populated.
func (n *Node) lookupNode(ctx context.Context, target id.ID, findValue bool) ([]byte, []routing.PeerRecord, error) {
	seed := n.table.FindClosestPeers(target, nil, n.k)
	if len(seed) == 0 {
		return nil, nil, ErrNoPeersAvailable
	}

	peers := make(map[id.ID]routing.PeerRecord, len(seed))
	for _, p := range seed {
		peers[p.ID] = p
	}
	contacted := make(map[id.ID]bool, len(seed))
	dead := make(map[id.ID]bool)

	procedure := "find_node"
	if findValue {
		procedure = "find_value"
	}

	for {
		round := nextRound(peers, contacted, target, n.alpha)
		if len(round) == 0 {
			break
		}

		for _, peer := range round {
			contacted[peer.ID] = true

			payload, err := n.call(ctx, peer.Addr, procedure, n.self, target)
			if err != nil {
				if errors.Is(err, rpcengine.ErrTimeout) {
					n.table.ForgetPeer(peer.ID)
				}
				dead[peer.ID] = true
				continue
			}

			if !findValue {
				contacts, err := decodeFindNodeAnswer(payload)
				if err != nil {
					dead[peer.ID] = true
					continue
				}
				n.mergeContacts(peers, contacts)
				continue
			}

			found, value, contacts, err := decodeFindValueAnswer(payload)
			if err != nil {
				dead[peer.ID] = true
				continue
			}
			if found {
				return value, nil, nil
			}
			n.mergeContacts(peers, contacts)
		}
	}

	if findValue {
		return nil, nil, ErrNotFound
	}
	return nil, closestSurviving(peers, dead, target, n.k), nil
}

// nextRound picks up to alpha uncontacted peers closest to target.
func nextRound(peers map[id.ID]routing.PeerRecord, contacted map[id.ID]bool, target id.ID, alpha int) []routing.PeerRecord {
	uncontacted := make([]routing.PeerRecord, 0, len(peers))
	for pid, p := range peers {
		if !contacted[pid] {
			uncontacted = append(uncontacted, p)
		}
	}
	sort.Slice(uncontacted, func(i, j int) bool {
		return id.Less(uncontacted[i].ID, uncontacted[j].ID, target)
	})
	if len(uncontacted) > alpha {
		uncontacted = uncontacted[:alpha]
	}
	return uncontacted
}

func closestSurviving(peers map[id.ID]routing.PeerRecord, dead map[id.ID]bool, target id.ID, k int) []routing.PeerRecord {
	remaining := make([]routing.PeerRecord, 0, len(peers))
	for pid, p := range peers {
		if !dead[pid] {
			remaining = append(remaining, p)
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		return id.Less(remaining[i].ID, remaining[j].ID, target)
	})
	if len(remaining) > k {
		remaining = remaining[:k]
	}
	return remaining
}

// mergeContacts folds newly learned contacts into the candidate set,
// dropping self (a lookup must never contact itself) and peers already
// known.
func (n *Node) mergeContacts(peers map[id.ID]routing.PeerRecord, contacts []routing.PeerRecord) {
	for _, c := range contacts {
		if c.ID == n.self {
			continue
		}
		if _, exists := peers[c.ID]; exists {
			continue
		}
		peers[c.ID] = c
	}
}

// LookupNode runs an iterative node lookup for target and returns the k
// closest peers found, for callers that want the routing operation
// directly rather than through Put/Get.
func (n *Node) LookupNode(ctx context.Context, target id.ID) ([]routing.PeerRecord, error) {
	_, peers, err := n.lookupNode(ctx, target, false)
	return peers, err
}
