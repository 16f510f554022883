package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"github.com/bitboxsync/bitbox/internal/client"
	"github.com/bitboxsync/bitbox/internal/protocol"
)

// privateKeyFile is the fixed private key location in the working
// directory, matching the legacy client.
const privateKeyFile = "bitboxclient"

const dialTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		command    string
		serverAddr string
		peerAddr   string
		identity   string
	)

	flag.StringVar(&command, "c", "", "command: list_peers, connect_peer or disconnect_peer")
	flag.StringVar(&serverAddr, "s", "", "bitbox server to address (host:port)")
	flag.StringVar(&peerAddr, "p", "", "peer to connect or disconnect (host:port)")
	flag.StringVar(&identity, "i", "", "identity to authenticate as")
	flag.Parse()

	if command == "" {
		return fmt.Errorf("missing command line option: -c")
	}
	if serverAddr == "" {
		return fmt.Errorf("missing command line option: -s")
	}
	if identity == "" {
		return fmt.Errorf("missing command line option: -i")
	}

	priv, err := client.LoadPrivateKey(privateKeyFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	c, err := client.Dial(ctx, serverAddr, identity, priv)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Authenticate(); err != nil {
		return err
	}

	switch command {
	case "list_peers":
		return listPeers(c)

	case "connect_peer":
		return peerCommand(c.ConnectPeer, peerAddr)

	case "disconnect_peer":
		return peerCommand(c.DisconnectPeer, peerAddr)

	default:
		return fmt.Errorf("invalid command: %s", command)
	}
}

func listPeers(c *client.Client) error {
	peers, err := c.ListPeers()
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		color.Yellow.Println("no connected peers")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Host", "Port"})

	for _, hp := range peers {
		table.Append([]string{hp.Host, strconv.Itoa(hp.Port)})
	}

	table.Render()

	return nil
}

func peerCommand(op func(protocol.HostPort) (bool, string, error), peerAddr string) error {
	if peerAddr == "" {
		return fmt.Errorf("missing command line option: -p")
	}

	hp, err := protocol.ParseHostPort(peerAddr)
	if err != nil {
		return err
	}

	status, message, err := op(hp)
	if err != nil {
		return err
	}

	if status {
		color.Green.Printf("%s: %s\n", hp, message)
	} else {
		color.Red.Printf("%s: %s\n", hp, message)
	}

	return nil
}
