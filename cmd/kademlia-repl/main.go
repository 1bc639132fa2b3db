// Command kademlia-repl is an interactive shell for driving a single
// Kademlia node's public operations against a running network — the
// Go-native replacement for the reference implementation's
// IPython-based local_client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/chzyer/readline"
	logging "github.com/ipfs/go-log"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/chrisguidry/kademlia-aio/id"
	"github.com/chrisguidry/kademlia-aio/kademlia"
)

var log = logging.Logger("kademlia-repl")

func main() {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		fmt.Println("bind:", err)
		return
	}
	node := kademlia.New(conn, kademlia.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Serve(ctx)
	defer node.Close()

	addr, err := manet.FromNetAddr(node.LocalAddr())
	if err != nil {
		fmt.Println("local addr:", err)
		return
	}
	fmt.Printf("node %s listening on %s\n", node.Self(), addr)

	rl, err := readline.New("kademlia> ")
	if err != nil {
		fmt.Println("readline:", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Println(err)
			return
		}

		if err := dispatch(ctx, node, line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Println("error:", err)
		}
	}
}

func dispatch(ctx context.Context, node *kademlia.Node, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "whoami":
		mh, err := node.Self().Multihash()
		if err != nil {
			return err
		}
		fmt.Println(mh)
		return nil

	case "peers":
		for _, p := range node.Table().ListPeers() {
			mh, err := p.ID.Multihash()
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", mh, p.Addr)
		}
		return nil

	case "ping":
		if len(args) != 1 {
			return errors.New("usage: ping <addr>")
		}
		addr, err := multiaddr.NewMultiaddr(args[0])
		if err != nil {
			return err
		}
		peerID, err := node.Ping(ctx, addr, node.Self())
		if err != nil {
			return err
		}
		fmt.Println(peerID)
		return nil

	case "store":
		if len(args) != 3 {
			return errors.New("usage: store <addr> <key> <value>")
		}
		addr, err := multiaddr.NewMultiaddr(args[0])
		if err != nil {
			return err
		}
		key := id.HashString(args[1])
		ok, err := node.Store(ctx, addr, node.Self(), key, []byte(args[2]))
		if err != nil {
			return err
		}
		fmt.Println(ok)
		return nil

	case "findnode":
		if len(args) != 2 {
			return errors.New("usage: findnode <addr> <key>")
		}
		addr, err := multiaddr.NewMultiaddr(args[0])
		if err != nil {
			return err
		}
		key := id.HashString(args[1])
		contacts, err := node.FindNode(ctx, addr, node.Self(), key)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			fmt.Printf("%s %s\n", c.ID, c.Addr)
		}
		return nil

	case "findvalue":
		if len(args) != 2 {
			return errors.New("usage: findvalue <addr> <key>")
		}
		addr, err := multiaddr.NewMultiaddr(args[0])
		if err != nil {
			return err
		}
		key := id.HashString(args[1])
		result, err := node.FindValue(ctx, addr, node.Self(), key)
		if err != nil {
			return err
		}
		if result.Found {
			fmt.Printf("found: %s\n", result.Value)
			return nil
		}
		for _, c := range result.Contacts {
			fmt.Printf("%s %s\n", c.ID, c.Addr)
		}
		return nil

	case "put":
		if len(args) != 2 {
			return errors.New("usage: put <key> <value>")
		}
		successes, err := node.Put(ctx, args[0], []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("stored on %d peers\n", successes)
		return nil

	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}
		value, err := node.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

var errQuit = errors.New("quit")
