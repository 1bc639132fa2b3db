// Command kademlia-node starts a single Kademlia DHT node bound to a
// UDP socket, optionally joining an existing network through a
// bootstrap peer, and runs until interrupted.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/spf13/cobra"

	"github.com/chrisguidry/kademlia-aio/kademlia"
)

var log = logging.Logger("kademlia-node")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listen       string
		bootstrap    string
		k            int
		alpha        int
		replyTimeout time.Duration
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "kademlia-node",
		Short: "Run a single Kademlia DHT node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.SetLogLevel("*", logLevel); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			return run(cmd.Context(), listen, bootstrap, k, alpha, replyTimeout)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listen, "listen", "127.0.0.1:0", "address to bind the node's UDP socket")
	flags.StringVar(&bootstrap, "bootstrap", "", "multiaddr of an existing node to join through")
	flags.IntVar(&k, "k", 0, "bucket capacity and lookup result width (0 = default)")
	flags.IntVar(&alpha, "alpha", 0, "lookup parallelism (0 = default)")
	flags.DurationVar(&replyTimeout, "reply-timeout", 0, "per-RPC reply timeout (0 = default)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, listen, bootstrap string, k, alpha int, replyTimeout time.Duration) error {
	conn, err := net.ListenPacket("udp", listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", listen, err)
	}

	node := kademlia.New(conn, kademlia.Config{
		K:            k,
		Alpha:        alpha,
		ReplyTimeout: replyTimeout,
	})

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- node.Serve(ctx) }()

	addr, err := manet.FromNetAddr(node.LocalAddr())
	if err != nil {
		return err
	}
	log.Infof("node %s listening on %s", node.Self(), addr)

	if bootstrap != "" {
		peerAddr, err := multiaddr.NewMultiaddr(bootstrap)
		if err != nil {
			return fmt.Errorf("invalid --bootstrap multiaddr %q: %w", bootstrap, err)
		}
		if err := node.Bootstrap(ctx, peerAddr); err != nil {
			log.Warnf("bootstrap against %s failed: %s", peerAddr, err)
		} else {
			log.Infof("bootstrapped against %s; routing table has %d peers", peerAddr, node.Table().Size())
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	node.Close()
	return <-serveErr
}
