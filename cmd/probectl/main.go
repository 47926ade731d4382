// probectl sends one request through a running relay and prints the
// terminal result, exercising the same carrier selection a real client
// performs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/relayctl/internal/logging"
	"github.com/danmuck/relayctl/internal/protocol"
	"github.com/danmuck/relayctl/internal/transport"
)

func main() {
	socketPath := flag.String("socket", "/tmp/relayctl.sock", "relay socket path")
	channelURL := flag.String("channel", "ws://127.0.0.1:9400/channel", "relay broadcast channel url")
	message := flag.String("message", "", "message to relay")
	timeout := flag.Duration("timeout", 60*time.Second, "overall probe timeout")
	flag.Parse()

	logging.ConfigureRuntime()

	if *message == "" {
		fmt.Fprintln(os.Stderr, "probectl: -message is required")
		os.Exit(2)
	}

	adapter, err := transport.Detect(*socketPath, *channelURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probectl: no reachable relay: %v\n", err)
		os.Exit(1)
	}
	defer adapter.Close()

	payload, err := json.Marshal(protocol.Request{
		Action: "relay",
		Params: map[string]any{"message": *message},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "probectl: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply := adapter.Send(ctx, protocol.Envelope{Type: protocol.TypeRelayRequest, Payload: payload})
	if reply == nil {
		fmt.Fprintln(os.Stderr, "probectl: no reply from relay")
		os.Exit(1)
	}

	resp, err := protocol.DecodeResponse(*reply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probectl: malformed reply: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "probectl: relay rejected request: %s\n", resp.Error)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "probectl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("carrier: %s\n%s\n", adapter.CarrierName(), out)
}
