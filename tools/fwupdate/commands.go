package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/samber/lo"
	"github.com/tez-capital/fwupdate/catalog"
	"github.com/tez-capital/fwupdate/phase"
	"github.com/urfave/cli/v3"
)

func cmdVersions() *cli.Command {
	return &cli.Command{
		Name:  "versions",
		Usage: "List firmware versions available for this board",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Print releases as a JSON array",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			app := mustApp(ctx)
			cfg := app.Config
			helper := &catalog.Helper{
				Path:        cfg.CatalogHelper,
				Repo:        cfg.Repo,
				Username:    cfg.Username,
				Password:    cfg.Password,
				Board:       cfg.Board,
				Prereleases: cfg.Prereleases,
				Logger:      app.Log,
			}

			releases, err := helper.List(ctx)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				// an empty catalog is [] rather than null
				return json.NewEncoder(os.Stdout).Encode(lo.Ternary(releases == nil, []catalog.Release{}, releases))
			}
			for _, v := range catalog.Versions(releases) {
				fmt.Println(v)
			}
			return nil
		},
	}
}

func cmdCurrent() *cli.Command {
	return &cli.Command{
		Name:  "current",
		Usage: "Print the running firmware version",
		Action: func(ctx context.Context, c *cli.Command) error {
			v, err := mustApp(ctx).Config.CurrentVersion()
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func cmdStatus() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the phase of the current update",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Println(mustApp(ctx).Updater.Status())
			return nil
		},
	}
}

func cmdDownload() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download a firmware image, discarding any previous update",
		ArgsUsage: "<version|url|file>",
		Action: func(ctx context.Context, c *cli.Command) error {
			src, err := singleArg(c)
			if err != nil {
				return err
			}
			u := mustApp(ctx).Updater
			return runWithProgress(ctx, u, "Downloading "+src, func(ctx context.Context) error {
				return u.Download(ctx, src)
			})
		},
	}
}

func cmdExtract() *cli.Command {
	return &cli.Command{
		Name:  "extract",
		Usage: "Decompress the downloaded firmware image",
		Action: func(ctx context.Context, c *cli.Command) error {
			u := mustApp(ctx).Updater
			return runWithProgress(ctx, u, "Extracting "+u.Workspace().Version(), u.Extract)
		},
	}
}

func cmdFlashBoot() *cli.Command {
	return &cli.Command{
		Name:  "flashboot",
		Usage: "Flash the boot partition from the extracted image",
		Action: func(ctx context.Context, c *cli.Command) error {
			u := mustApp(ctx).Updater
			return runWithProgress(ctx, u, "Flashing boot "+u.Workspace().Version(), u.FlashBoot)
		},
	}
}

func cmdFlashReboot() *cli.Command {
	return &cli.Command{
		Name:  "flashreboot",
		Usage: "Prepare the root partition flash and reboot",
		Action: func(ctx context.Context, c *cli.Command) error {
			return mustApp(ctx).Updater.FlashReboot(ctx)
		},
	}
}

func cmdUpgrade() *cli.Command {
	return &cli.Command{
		Name:      "upgrade",
		Usage:     "Download, extract, flash boot and reboot in one go",
		ArgsUsage: "<version|url|file>",
		Action: func(ctx context.Context, c *cli.Command) error {
			src, err := singleArg(c)
			if err != nil {
				return err
			}
			u := mustApp(ctx).Updater
			return runWithProgress(ctx, u, "Upgrading to "+src, func(ctx context.Context) error {
				return u.Upgrade(ctx, src, func(s phase.State) {
					fmt.Println(s)
				})
			})
		},
	}
}

func singleArg(c *cli.Command) (string, error) {
	if c.Args().Len() != 1 {
		printUsage(os.Stderr, c.Root())
		return "", cli.Exit("", 1)
	}
	return c.Args().First(), nil
}
