package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tez-capital/fwupdate/config"
	"github.com/tez-capital/fwupdate/logging"
	"github.com/tez-capital/fwupdate/updater"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

const (
	envConfig      = "FWUPDATE_CONFIG"
	envWorkspace   = "FWUPDATE_WORKSPACE"
	envBoard       = "FWUPDATE_BOARD"
	envPrereleases = "FWUPDATE_PRERELEASES"
	envRepo        = "FWUPDATE_REPO"
	envUsername    = "FWUPDATE_USERNAME"
	envPassword    = "FWUPDATE_PASSWORD"
)

type appCtxKey struct{}

type AppContext struct {
	Log     *slog.Logger
	Config  *config.Config
	Updater *updater.Updater
}

func main() {
	app := &cli.Command{
		Name:  "fwupdate",
		Usage: "Over-the-air firmware updater",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the TOML configuration file",
				Value:   config.DefaultFile,
				Sources: cli.EnvVars(envConfig),
			},
			&cli.StringFlag{
				Name:    "workspace",
				Usage:   "Directory holding the current update attempt",
				Sources: cli.EnvVars(envWorkspace),
			},
			&cli.StringFlag{
				Name:    "board",
				Usage:   "Board name used to filter releases (default: content of the board file)",
				Sources: cli.EnvVars(envBoard),
			},
			&cli.BoolFlag{
				Name:    "prereleases",
				Usage:   "Include prereleases in the version catalog",
				Sources: cli.EnvVars(envPrereleases),
			},
			&cli.StringFlag{
				Name:    "repo",
				Usage:   "Firmware repository passed to the catalog helper",
				Sources: cli.EnvVars(envRepo),
			},
			&cli.StringFlag{
				Name:    "username",
				Usage:   "Firmware repository username",
				Sources: cli.EnvVars(envUsername),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Firmware repository password",
				Sources: cli.EnvVars(envPassword),
			},
		},
		Action: unknownCommand,
		Commands: []*cli.Command{
			withBefore(cmdVersions(), withConfigOnly()),
			withBefore(cmdCurrent(), withConfigOnly()),
			withBefore(cmdStatus(), withUpdater()),
			withBefore(cmdDownload(), withUpdater()),
			withBefore(cmdExtract(), withUpdater()),
			withBefore(cmdFlashBoot(), withUpdater()),
			withBefore(cmdFlashReboot(), withUpdater()),
			withBefore(cmdUpgrade(), withUpdater()),

			cmdJob(),
		},
	}

	// exit codes of cli.Exit errors are handled by cli itself
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fwupdate:", err)
		os.Exit(1)
	}
}

type beforeFunc func(ctx context.Context, c *cli.Command) (context.Context, error)

func withBefore(cmd *cli.Command, before beforeFunc) *cli.Command {
	prev := cmd.Before
	cmd.Before = func(ctx context.Context, c *cli.Command) (context.Context, error) {
		ctx, err := before(ctx, c)
		if err != nil || prev == nil {
			return ctx, err
		}
		return prev(ctx, c)
	}
	return cmd
}

func withConfigOnly() beforeFunc {
	return func(ctx context.Context, c *cli.Command) (context.Context, error) {
		logger, _ := logging.NewFromEnv()
		cfg, err := loadConfig(c)
		if err != nil {
			return ctx, err
		}
		return context.WithValue(ctx, appCtxKey{}, &AppContext{Log: logger, Config: cfg}), nil
	}
}

func withUpdater() beforeFunc {
	return func(ctx context.Context, c *cli.Command) (context.Context, error) {
		ctx, err := withConfigOnly()(ctx, c)
		if err != nil {
			return ctx, err
		}
		app := mustApp(ctx)
		exportForJobs(app.Config)

		u, err := updater.New(app.Config, updater.WithLogger(app.Log))
		if err != nil {
			return ctx, err
		}
		app.Updater = u
		return ctx, nil
	}
}

// loadConfig layers flags and their environment variables over the config
// file and built-in defaults.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("workspace") {
		cfg.Workspace = c.String("workspace")
	}
	if c.IsSet("board") {
		cfg.Board = c.String("board")
	}
	if c.IsSet("prereleases") {
		cfg.Prereleases = c.Bool("prereleases")
	}
	if c.IsSet("repo") {
		cfg.Repo = c.String("repo")
	}
	if c.IsSet("username") {
		cfg.Username = c.String("username")
	}
	if c.IsSet("password") {
		cfg.Password = c.String("password")
	}
	return cfg, nil
}

// exportForJobs makes detached jobs, which re-run this binary, resolve the
// same repository credentials regardless of where they were set.
func exportForJobs(cfg *config.Config) {
	for env, value := range map[string]string{
		envRepo:     cfg.Repo,
		envUsername: cfg.Username,
		envPassword: cfg.Password,
	} {
		if value != "" {
			_ = os.Setenv(env, value)
		}
	}
}

func mustApp(ctx context.Context) *AppContext {
	app, ok := ctx.Value(appCtxKey{}).(*AppContext)
	if !ok || app == nil {
		panic("fwupdate: command context not initialized")
	}
	return app
}

func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func unknownCommand(_ context.Context, c *cli.Command) error {
	if c.Args().Present() {
		fmt.Fprintf(os.Stderr, "fwupdate: unknown command %q\n\n", c.Args().First())
	}
	printUsage(os.Stderr, c)
	return cli.Exit("", 1)
}

func printUsage(w io.Writer, root *cli.Command) {
	fmt.Fprintf(w, "Usage: %s <command> [arguments]\n\nCommands:\n", root.Name)
	for _, cmd := range root.Commands {
		if cmd.Hidden {
			continue
		}
		fmt.Fprintf(w, "  %-28s %s\n", strings.TrimSpace(cmd.Name+" "+cmd.ArgsUsage), cmd.Usage)
	}
}
