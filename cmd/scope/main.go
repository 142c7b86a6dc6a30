// Command scope is a minimal CLI consumer for a Telemetree server: it issues
// one-off JSON-RPC calls or subscribes to event streams, printing results as
// JSON lines.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/telemetree/internal/version"
	"github.com/HerbHall/telemetree/pkg/client"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8765/ws", "telemetree WebSocket URL")
	timeout := flag.Duration("timeout", 10*time.Second, "per-call timeout")
	verbose := flag.Bool("v", false, "log connection events to stderr")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(1)
		}
	}

	c := client.New(*serverURL,
		client.WithCallTimeout(*timeout),
		client.WithLogger(logger),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err := c.Connect(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	switch args[0] {
	case "call":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		err = runCall(c, args[1], args[2:])
	case "watch":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		err = runWatch(c, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  scope [flags] call <method> [params-json]
  scope [flags] watch <event> [event...]

examples:
  scope call ping
  scope call get_processes '{"limit": 5, "sort_by": "memory"}'
  scope watch system_stats alerts
`)
	flag.PrintDefaults()
}

func runCall(c *client.Client, method string, rest []string) error {
	var params any
	if len(rest) > 0 {
		if err := json.Unmarshal([]byte(rest[0]), &params); err != nil {
			return fmt.Errorf("params must be valid JSON: %w", err)
		}
	}

	result, err := c.Call(context.Background(), method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return printJSON(map[string]any{"method": method, "result": json.RawMessage(result)})
}

func runWatch(c *client.Client, events []string) error {
	for _, event := range events {
		event := event
		err := c.Subscribe(context.Background(), event, func(params json.RawMessage) {
			_ = printJSON(map[string]any{"event": event, "params": params})
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", event, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}
