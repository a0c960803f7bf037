package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/tez-capital/fwupdate/logging"
	"github.com/tez-capital/fwupdate/transfer"
	"github.com/tez-capital/fwupdate/workspace"
	"github.com/urfave/cli/v3"
)

// cmdJob holds the bodies of the detached jobs. They are started by the
// updater with their output redirected to the job log, so everything they
// report goes to stderr.
func cmdJob() *cli.Command {
	return &cli.Command{
		Name:   "job",
		Hidden: true,
		Commands: []*cli.Command{
			{
				Name:      "fetch",
				ArgsUsage: "<src> <dst>",
				Action: func(ctx context.Context, c *cli.Command) error {
					args, err := jobArgs(c, 2)
					if err != nil {
						return err
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					logger := logging.NewJobLogger()
					creds := transfer.Credentials{Username: cfg.Username, Password: cfg.Password}
					return transfer.Fetch(ctx, args[0], args[1], creds, logger)
				},
			},
			{
				Name:      "decompress",
				ArgsUsage: "<src> <dst>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "compression",
						Usage:    "gz or xz",
						Required: true,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					args, err := jobArgs(c, 2)
					if err != nil {
						return err
					}
					ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					logger := logging.NewJobLogger()
					comp := workspace.Compression(c.String("compression"))
					return transfer.Decompress(ctx, comp, args[0], args[1], logger)
				},
			},
			{
				Name:      "write",
				ArgsUsage: "<image> <device>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "offset", Usage: "Byte offset in the image", Required: true},
					&cli.Int64Flag{Name: "size", Usage: "Number of bytes to write", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					args, err := jobArgs(c, 2)
					if err != nil {
						return err
					}
					ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					logger := logging.NewJobLogger()
					return transfer.WriteRange(ctx, args[0], args[1], c.Int64("offset"), c.Int64("size"), logger)
				},
			},
		},
	}
}

func jobArgs(c *cli.Command, n int) ([]string, error) {
	args := c.Args().Slice()
	if len(args) != n {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", c.Name, n, len(args))
	}
	return args, nil
}
