// Command vesper-node runs a single Vesper DHT peer: it joins (or
// bootstraps) the overlay, classifies the local NAT, and drives the node
// through an interactive shell.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ssd-technologies/vesper/internal/dht"
	"github.com/ssd-technologies/vesper/internal/punch"
)

const callbackWait = 10 * time.Second

func main() {
	port := flag.Int("port", 4000, "local UDP port")
	bootstrap := flag.String("bootstrap", "", "addr:port of a peer to join; empty runs as a bootstrap node")
	apiAddr := flag.String("api", "", "localhost address for the HTTP API (e.g. 127.0.0.1:8460); empty disables it")
	noPortMap := flag.Bool("no-portmap", false, "skip UPnP/NAT-PMP port mapping")
	flag.Parse()

	fmt.Println("Vesper DHT node")
	fmt.Println("===============")

	node, err := dht.NewNode(dht.Config{
		Port:      *port,
		Bootstrap: *bootstrap,
	})
	if err != nil {
		log.Fatalf("create node: %v", err)
	}
	if err := node.Start(); err != nil {
		log.Fatalf("start node: %v", err)
	}

	fmt.Printf("Node ID: %s\n", node.ID())
	fmt.Printf("Listening on UDP port %d\n", node.Port())
	if *bootstrap != "" {
		fmt.Printf("Bootstrapping from %s\n", *bootstrap)
	} else {
		fmt.Println("Running as a bootstrap node")
	}

	// Connectivity discovery runs in the background so the shell comes up
	// immediately even when the gateway and reflectors are slow.
	go func() {
		if !*noPortMap {
			mapper := punch.NewPortMapper(node.Puncher())
			if ext, err := mapper.Setup(node.Port()); err == nil {
				fmt.Printf("Port mapped via %s: %s\n", mapper.Protocol(), ext)
				defer mapper.Close()
			}
		}
		natType := node.Puncher().DetectNATType()
		fmt.Printf("Detected NAT type: %s\n", natType)
		if info := node.Puncher().Info(); info.PublicAddr != "" {
			fmt.Printf("Public endpoint: %s:%d\n", info.PublicAddr, info.PublicPort)
		}
		<-node.Done()
	}()

	if *apiAddr != "" {
		api := dht.NewLocalAPI(node)
		go func() {
			if err := http.ListenAndServe(*apiAddr, api.Handler()); err != nil {
				log.Printf("local api: %v", err)
			}
		}()
		fmt.Printf("Local API on http://%s/local/\n", *apiAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		node.Close()
		fmt.Println("Node stopped")
		os.Exit(0)
	}()

	printHelp()
	runShell(node)

	node.Close()
	fmt.Println("Node stopped")
}

func printHelp() {
	fmt.Println("\nCommands:")
	fmt.Println("  store <key> <value>  - Store a key/value pair")
	fmt.Println("  get <key>            - Get a value by key")
	fmt.Println("  find <hex-id>        - Find the closest nodes to an identifier")
	fmt.Println("  ping <hex-id>        - Ping a node")
	fmt.Println("  connect <hex-id>     - Open a hole-punched path to a node")
	fmt.Println("  info                 - Show node information")
	fmt.Println("  quit                 - Quit")
}

// runShell reads commands until quit or EOF.
func runShell(node *dht.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "store":
			if len(fields) < 3 {
				fmt.Println("Usage: store <key> <value>")
				continue
			}
			awaitValue(func(cb func(bool, []byte)) {
				node.Store(dht.Key(fields[1]), []byte(fields[2]), cb)
			}, func(ok bool, value []byte) {
				if ok {
					fmt.Printf("Stored successfully: %s\n", value)
				} else {
					fmt.Println("Failed to store")
				}
			})

		case "get":
			if len(fields) < 2 {
				fmt.Println("Usage: get <key>")
				continue
			}
			awaitValue(func(cb func(bool, []byte)) {
				node.FindValue(dht.Key(fields[1]), cb)
			}, func(ok bool, value []byte) {
				if ok {
					fmt.Printf("Found value: %s\n", value)
				} else {
					fmt.Println("Value not found")
				}
			})

		case "find":
			if len(fields) < 2 {
				fmt.Println("Usage: find <hex-id>")
				continue
			}
			target, err := dht.ParseNodeID(fields[1])
			if err != nil {
				fmt.Printf("Bad identifier: %v\n", err)
				continue
			}
			done := make(chan struct{})
			node.FindNode(target, func(ok bool, peers []*dht.Peer) {
				defer close(done)
				if !ok {
					fmt.Println("Failed to find nodes")
					return
				}
				fmt.Printf("Found %d nodes:\n", len(peers))
				for _, p := range peers {
					fmt.Printf("  %s\n", p)
				}
			})
			waitOrTimeout(done)

		case "ping":
			if len(fields) < 2 {
				fmt.Println("Usage: ping <hex-id>")
				continue
			}
			id, err := dht.ParseNodeID(fields[1])
			if err != nil {
				fmt.Printf("Bad identifier: %v\n", err)
				continue
			}
			if err := node.Ping(id); err != nil {
				fmt.Printf("Ping failed: %v\n", err)
			} else {
				fmt.Println("Ping successful")
			}

		case "connect":
			if len(fields) < 2 {
				fmt.Println("Usage: connect <hex-id>")
				continue
			}
			id, err := dht.ParseNodeID(fields[1])
			if err != nil {
				fmt.Printf("Bad identifier: %v\n", err)
				continue
			}
			done := make(chan struct{})
			node.Connect(id, func(ok bool, address string, port int) {
				defer close(done)
				if ok {
					fmt.Printf("Connection established with %s:%d\n", address, port)
				} else {
					fmt.Println("Failed to establish connection")
				}
			})
			waitOrTimeout(done)

		case "info":
			printInfo(node)

		case "quit":
			return

		default:
			fmt.Printf("Unknown command: %s\n", fields[0])
		}
	}
}

// awaitValue runs a callback-style node operation and blocks the shell
// until it resolves or times out.
func awaitValue(op func(cb func(bool, []byte)), report func(bool, []byte)) {
	done := make(chan struct{})
	op(func(ok bool, value []byte) {
		report(ok, value)
		close(done)
	})
	waitOrTimeout(done)
}

func waitOrTimeout(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(callbackWait):
		fmt.Println("(still working in the background)")
	}
}

func printInfo(node *dht.Node) {
	fmt.Printf("Node ID: %s\n", node.ID())
	fmt.Printf("Local endpoint: 127.0.0.1:%d\n", node.Port())

	info := node.Puncher().Info()
	if info.PublicAddr != "" {
		fmt.Printf("Public endpoint: %s:%d\n", info.PublicAddr, info.PublicPort)
	} else {
		fmt.Println("Public endpoint: Unknown")
	}
	fmt.Printf("NAT type: %s\n", info.NATName)
	fmt.Printf("Stored records: %d\n", node.Records().Len())

	peers := node.Table().All()
	fmt.Printf("Routing table: %d nodes\n", len(peers))
	for _, p := range peers {
		fmt.Printf("  %s\n", p)
	}
}
