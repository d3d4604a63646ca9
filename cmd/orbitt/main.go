package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/brojonat/orbitt/service/app"
	"github.com/brojonat/orbitt/service/config"
	"github.com/brojonat/orbitt/service/db"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "orbitt",
		Usage: "Solana fund rotation CLI",
		Description: `A command-line tool for operating orbitt rotation orders.

Use this CLI to create orders and their rings, run or schedule rotations,
move funds by hand and inspect recorded rotation steps.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// jq filters contain commas
		DisableSliceFlagSeparator: true,
		Commands: []*cli.Command{
			{
				Name:  "order",
				Usage: "Rotation order management",
				Subcommands: []*cli.Command{
					createOrderCommand(),
					showOrderCommand(),
					listOrdersCommand(),
				},
			},
			{
				Name:  "rotate",
				Usage: "Run, start or stop rotations",
				Subcommands: []*cli.Command{
					runRotationCommand(),
					startRotationCommand(),
					stopRotationCommand(),
				},
			},
			{
				Name:  "transfer",
				Usage: "Send SOL and tokens between wallets",
				Subcommands: []*cli.Command{
					transferSOLCommand(),
					transferTokenCommand(),
					transferBothCommand(),
				},
			},
			swapCommand(),
			balanceCommand(),
			stepsCommand(),
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue of the rotation worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "orbitt-rotation",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "orbitt HTTP server URL",
				EnvVars: []string{"SERVER_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

// setupLogger logs JSON to stderr so stdout stays clean for command output.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func getLogger(c *cli.Context) *slog.Logger {
	return setupLogger(c.String("log-level"))
}

// getStore opens the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	store, pool, err := app.OpenStore(c.Context, dbURL, nil, getLogger(c))
	if err != nil {
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// getCore loads the service configuration from the environment and builds
// the transaction core.
func getCore(c *cli.Context) (*config.Config, *app.Core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, app.NewCore(cfg, nil, getLogger(c)), nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// requireArg returns the first positional argument or a usage error.
func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("%s is required", name)
	}
	return c.Args().First(), nil
}
