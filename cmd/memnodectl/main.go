// cmd/memnodectl is a thin control-RPC client: it dials a running
// memnoded's Unix socket (or a TCP address via -addr), sends one Command,
// prints the Response, and exits. Subcommand dispatch is the same
// os.Args-based switch cmd/nocturne-node/main.go uses for connect/
// disconnect/status, rather than a flag-parsing CLI framework — there is
// no third-party CLI library anywhere in the dependency stack to reach
// for instead.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ssd-technologies/memcloud/internal/controlrpc"
	"github.com/ssd-technologies/memcloud/internal/transport"
)

func defaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".memcloud", "control.sock")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet("memnodectl", flag.ExitOnError)
	socket := fs.String("socket", defaultSocketPath(), "control RPC unix socket path")
	addr := fs.String("addr", "", "control RPC TCP address (overrides -socket if set)")

	cmdName := os.Args[1]
	args := os.Args[2:]

	var cmd controlrpc.Command
	var err error

	switch cmdName {
	case "status":
		fs.Parse(args)
		cmd = controlrpc.Command{Cmd: "Stat"}
	case "peers":
		fs.Parse(args)
		cmd = controlrpc.Command{Cmd: "ListPeers"}
	case "connect":
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl connect [-socket path] <address>")
		}
		cmd = controlrpc.Command{Cmd: "Connect", Address: fs.Arg(0)}
	case "disconnect":
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl disconnect [-socket path] <peer-id-hex>")
		}
		cmd = controlrpc.Command{Cmd: "Disconnect", PeerID: fs.Arg(0)}
	case "store":
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl store [-socket path] <file>")
		}
		data, rerr := os.ReadFile(fs.Arg(0))
		if rerr != nil {
			fatal(rerr.Error())
		}
		cmd = controlrpc.Command{Cmd: "Store", Data: data}
	case "load":
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl load [-socket path] <block-id>")
		}
		id, perr := strconv.ParseUint(fs.Arg(0), 10, 64)
		if perr != nil {
			fatal("invalid block id: " + perr.Error())
		}
		cmd = controlrpc.Command{Cmd: "Load", ID: id}
	case "set":
		fs.Parse(args)
		if fs.NArg() < 2 {
			fatal("usage: memnodectl set [-socket path] <key> <value>")
		}
		cmd = controlrpc.Command{Cmd: "Set", Key: fs.Arg(0), Data: []byte(fs.Arg(1))}
	case "get":
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl get [-socket path] <key>")
		}
		cmd = controlrpc.Command{Cmd: "Get", Key: fs.Arg(0)}
	case "keys":
		fs.Parse(args)
		pattern := ""
		if fs.NArg() > 0 {
			pattern = fs.Arg(0)
		}
		cmd = controlrpc.Command{Cmd: "ListKeys", Pattern: pattern}
	case "trust-list":
		fs.Parse(args)
		cmd = controlrpc.Command{Cmd: "TrustList"}
	case "trust-remove":
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl trust-remove [-socket path] <identity-hex>")
		}
		cmd = controlrpc.Command{Cmd: "TrustRemove", Target: fs.Arg(0)}
	case "consent-list":
		fs.Parse(args)
		cmd = controlrpc.Command{Cmd: "ConsentList"}
	case "consent-approve":
		trustAlways := fs.Bool("always", false, "remember this decision for future sessions")
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl consent-approve [-socket path] [-always] <session-id>")
		}
		cmd = controlrpc.Command{Cmd: "ConsentApprove", SessionID: fs.Arg(0), TrustAlways: *trustAlways}
	case "consent-deny":
		fs.Parse(args)
		if fs.NArg() < 1 {
			fatal("usage: memnodectl consent-deny [-socket path] <session-id>")
		}
		cmd = controlrpc.Command{Cmd: "ConsentDeny", SessionID: fs.Arg(0)}
	case "flush":
		fs.Parse(args)
		cmd = controlrpc.Command{Cmd: "Flush"}
	default:
		usage()
		os.Exit(2)
	}

	resp, err := roundTrip(*socket, *addr, cmd)
	if err != nil {
		fatal(err.Error())
	}
	printResponse(resp)
	if resp.Res == "Error" {
		os.Exit(1)
	}
}

func roundTrip(socketPath, tcpAddr string, cmd controlrpc.Command) (controlrpc.Response, error) {
	var conn net.Conn
	var err error
	if tcpAddr != "" {
		conn, err = net.DialTimeout("tcp", tcpAddr, 5*time.Second)
	} else {
		conn, err = net.DialTimeout("unix", socketPath, 5*time.Second)
	}
	if err != nil {
		return controlrpc.Response{}, fmt.Errorf("dial memnoded: %w", err)
	}
	defer conn.Close()

	framer := transport.NewFramer(conn, transport.MaxControlFrameSize)

	body, err := json.Marshal(cmd)
	if err != nil {
		return controlrpc.Response{}, fmt.Errorf("encode command: %w", err)
	}
	if err := framer.WritePlain(body); err != nil {
		return controlrpc.Response{}, fmt.Errorf("send command: %w", err)
	}

	respBody, err := framer.ReadPlain()
	if err != nil {
		return controlrpc.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp controlrpc.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return controlrpc.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func printResponse(resp controlrpc.Response) {
	switch resp.Res {
	case "Error":
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", resp.ErrorCode, resp.ErrorMsg)
	case "Status":
		fmt.Printf("blocks: %d\nmemory used: %s\npeers: %d\n", resp.Blocks, formatBytes(resp.MemoryUsedBytes), resp.PeerCount)
	case "List":
		for _, item := range resp.Items {
			fmt.Println(item)
		}
	case "Stored":
		fmt.Printf("stored block %d\n", resp.ID)
	case "Loaded":
		os.Stdout.Write(resp.Data)
	case "StreamStarted":
		fmt.Println(resp.StreamID)
	default:
		enc, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(enc))
	}

	for _, p := range resp.Peers {
		fmt.Printf("%s  %-16s %-22s quota=%s used=%s status=%s\n",
			p.Identity[:16], p.Name, p.Address, formatBytes(int64(p.Quota)), formatBytes(int64(p.Used)), p.Status)
	}
	for _, tv := range resp.Trusted {
		fmt.Printf("%s  %-16s since=%s\n", tv.Identity[:16], tv.Name, tv.TrustedSince)
	}
	for _, pv := range resp.Pending {
		fmt.Printf("%s  %-16s %-22s session=%s\n", pv.Identity[:16], pv.Name, pv.Address, pv.SessionID)
	}
}

// formatBytes renders n as a human-scaled size, the same style
// cmd/nocturne-node/main.go's formatBytes helper uses for status output.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "memnodectl: "+msg)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: memnodectl [-socket path | -addr host:port] <command> [args]

commands:
  status                        show block count, memory usage, peer count
  peers                         list connected peers
  connect <address>             dial and pair with a peer
  disconnect <peer-id-hex>      drop a peer session
  store <file>                  store a file's contents as a block
  load <block-id>               print a block's contents to stdout
  set <key> <value>             set a key/value pair
  get <key>                     print a key's value to stdout
  keys [pattern]                list keys, optionally glob-filtered
  trust-list                    list trusted devices
  trust-remove <identity-hex>   revoke a trusted device
  consent-list                 list sessions awaiting operator decision
  consent-approve [-always] <session-id>  approve a pending session
  consent-deny <session-id>    deny a pending session
  flush                         flush in-memory state (no-op; stores are synchronous)`)
}
