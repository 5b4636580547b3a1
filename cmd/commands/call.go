package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// NewCallCommand returns the call subcommand.
func NewCallCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Send a raw JSON-RPC request to a running gateway",
		ArgsUsage: "<method> [json-params]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "notify",
				Usage: "Send as a notification and do not wait for a response",
			},
		},
		Action: runCall,
	}
}

func runCall(ctx context.Context, cmd *cli.Command) error {
	method := cmd.Args().Get(0)
	if method == "" {
		return fmt.Errorf("usage: tether call <method> [json-params]")
	}
	var params json.RawMessage
	if raw := cmd.Args().Get(1); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("params are not valid JSON")
		}
		params = json.RawMessage(raw)
	}

	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Bool("notify") {
		return c.Notify(ctx, method, params)
	}

	// Progress and server events arriving meanwhile go to stderr.
	go func() {
		for msg := range c.Notifications() {
			data, _ := json.Marshal(msg)
			fmt.Fprintln(os.Stderr, string(data))
		}
	}()

	var result json.RawMessage
	if err := c.Call(ctx, method, params, &result); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
