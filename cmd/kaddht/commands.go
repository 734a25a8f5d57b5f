package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/log"
	"github.com/eth2030/kaddht/pkg/node"
)

const defaultOpTimeout = 10 * time.Second

func newNode(listen, bootstrap string) (*node.Node, []string, error) {
	n, err := node.New(node.Config{ListenAddr: listen})
	if err != nil {
		return nil, nil, fmt.Errorf("create node: %w", err)
	}
	n.Start()
	return n, splitBootstrap(bootstrap), nil
}

func joinIfRequested(ctx context.Context, n *node.Node, bootstrap []string) {
	if len(bootstrap) == 0 {
		return
	}
	if err := n.Join(ctx, bootstrap); err != nil {
		log.Warn("join failed", "err", err)
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", ":4000", "address to listen on")
	bootstrap := fs.String("bootstrap", "", "comma-separated bootstrap endpoints")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	n, boot, err := newNode(*listen, *bootstrap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	joinIfRequested(ctx, n, boot)
	cancel()

	log.Info("node listening", "addr", n.Addr(), "nid", id.ToHex(n.NID()))
	sig := waitForSignal()
	log.Info("shutting down", "signal", sig.String())
	return 0
}

func runJoin(args []string) int {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	listen := fs.String("listen", ":0", "address to listen on")
	bootstrap := fs.String("bootstrap", "", "comma-separated bootstrap endpoints")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	n, boot, err := newNode(*listen, *bootstrap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	if err := n.Join(ctx, boot); err != nil {
		fmt.Fprintln(os.Stderr, "join:", err)
		return 1
	}
	fmt.Printf("joined: nid=%s peers=%d\n", id.ToHex(n.NID()), n.CountPeers())
	return 0
}

func runPut(args []string) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	listen := fs.String("listen", ":0", "address to listen on")
	bootstrap := fs.String("bootstrap", "", "comma-separated bootstrap endpoints")
	data := fs.String("data", "", "literal bytes to store")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *data == "" {
		fmt.Fprintln(os.Stderr, "put: --data is required")
		return 2
	}

	n, boot, err := newNode(*listen, *bootstrap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	joinIfRequested(ctx, n, boot)

	nid, err := n.StoreBytes(ctx, []byte(*data))
	if err != nil {
		fmt.Fprintln(os.Stderr, "put:", err)
		return 1
	}
	fmt.Println(id.ToHex(nid))
	return 0
}

func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	listen := fs.String("listen", ":0", "address to listen on")
	bootstrap := fs.String("bootstrap", "", "comma-separated bootstrap endpoints")
	nidHex := fs.String("nid", "", "hex-encoded key to fetch")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *nidHex == "" {
		fmt.Fprintln(os.Stderr, "get: --nid is required")
		return 2
	}
	nid, err := id.FromHex(*nidHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get:", err)
		return 2
	}

	n, boot, err := newNode(*listen, *bootstrap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	joinIfRequested(ctx, n, boot)

	data, ok, err := n.Find(ctx, nid)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get:", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "not found")
		return 1
	}
	os.Stdout.Write(data)
	fmt.Println()
	return 0
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	listen := fs.String("listen", ":0", "address to listen on")
	bootstrap := fs.String("bootstrap", "", "comma-separated bootstrap endpoints")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	n, boot, err := newNode(*listen, *bootstrap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	joinIfRequested(ctx, n, boot)

	s := n.Stats()
	fmt.Printf("nid:        %s\n", s.NID)
	fmt.Printf("addr:       %s\n", s.Addr)
	fmt.Printf("peers:      %d\n", s.PeerCount)
	fmt.Printf("keys_used:  %d/%d\n", s.Store.KeysUsed, s.Store.KeysMax)
	fmt.Printf("bytes_used: %d/%d\n", s.Store.BytesUsed, s.Store.BytesMax)
	return 0
}
