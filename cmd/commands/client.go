package commands

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/tether/clients/ws"
	"github.com/dohr-michael/tether/internal/config"
	"github.com/dohr-michael/tether/internal/heartbeat"
)

// gatewayAddr resolves the gateway address: --addr, then the live
// heartbeat, then the config file.
func gatewayAddr(cmd *cli.Command) string {
	if addr := cmd.String("addr"); addr != "" {
		return addr
	}
	if status, hb, err := heartbeat.Check(config.HeartbeatPath(), 2*time.Minute); err == nil &&
		status == heartbeat.StatusAlive && hb.Address != "" {
		return hb.Address
	}
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = config.Default()
	}
	return net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
}

func dialGateway(ctx context.Context, cmd *cli.Command) (*wsclient.Client, error) {
	addr := gatewayAddr(cmd)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, err := wsclient.Dial(dialCtx, "ws://"+addr+"/api/ws")
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s (is `tether serve` running?): %w", addr, err)
	}
	return c, nil
}
