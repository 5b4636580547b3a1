package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/config"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "tether",
		Usage:   "Backend bridge between an editor client and its analysis services",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Gateway address (host:port) for client commands; defaults to the running server",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewTasksCommand(),
			NewCancelCommand(),
			NewCallCommand(),
		},
	}
}
