// Command kaddht runs or queries a Kademlia DHT node.
//
// Usage:
//
//	kaddht serve --listen :4000 [--bootstrap host:port,...]
//	kaddht join  --listen :0    --bootstrap host:port,...
//	kaddht put   --listen :0    --bootstrap host:port,... --data "hello"
//	kaddht get   --listen :0    --bootstrap host:port,... --nid 0xabc...
//	kaddht stats --listen :0    --bootstrap host:port,...
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the testable entry point: it returns an exit code instead of
// calling os.Exit directly.
func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "serve":
		return runServe(rest)
	case "join":
		return runJoin(rest)
	case "put":
		return runPut(rest)
	case "get":
		return runGet(rest)
	case "stats":
		return runStats(rest)
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "kaddht: unknown command %q\n", sub)
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kaddht <serve|join|put|get|stats> [flags]")
}

// waitForSignal blocks until SIGINT or SIGTERM is received.
func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}
