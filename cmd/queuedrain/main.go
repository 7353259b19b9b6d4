package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finch-technologies/queue-drain/config"
	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/queue/types"
	"github.com/finch-technologies/queue-drain/store/postgres"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newCliApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newCliApp() *cli.App {
	return &cli.App{
		Name:  serviceName,
		Usage: "Drain conversion status messages from a shared queue into durable storage",
		Commands: []*cli.Command{
			{
				Name:   "once",
				Usage:  "Run a single drain cycle and print the number of messages handled",
				Action: onceAction,
			},
			{
				Name:   "run",
				Usage:  "Run drain cycles every POLL_INTERVAL until interrupted",
				Action: runAction,
			},
			{
				Name:  "migrate",
				Usage: "Apply the postgres schema migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "database-url",
						Usage:   "Postgres connection url",
						EnvVars: []string{"DATABASE_URL"},
					},
					&cli.BoolFlag{
						Name:  "down",
						Usage: "Roll back the last migration instead",
					},
				},
				Action: migrateAction,
			},
			{
				Name:      "send",
				Usage:     "Publish a message to the configured queue, tagged with the local site",
				ArgsUsage: "<objectkey> <process> <status>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "message",
						Usage: "JSON detail payload",
						Value: "{}",
					},
				},
				Action: sendAction,
			},
		},
	}
}

func onceAction(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	result, err := a.runOnce(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	fmt.Fprintln(c.App.Writer, result.Accepted)

	if len(result.DeleteFailures) > 0 {
		log.Warningf("%d messages could not be deleted and will be redelivered", len(result.DeleteFailures))
	}

	return nil
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	log.Infof("draining %s queue every %s", cfg.Queue.Driver, pollInterval(cfg))

	err = a.serve(ctx, cfg.MetricsAddr, pollInterval(cfg))

	log.Info("shutting down")

	return err
}

func migrateAction(c *cli.Context) error {
	databaseUrl := c.String("database-url")
	if databaseUrl == "" {
		return errors.New("DATABASE_URL is required")
	}

	if c.Bool("down") {
		return postgres.MigrateDown(databaseUrl)
	}

	if err := postgres.Migrate(databaseUrl); err != nil {
		return err
	}

	log.Info("database migrations completed")
	return nil
}

func sendAction(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: send <objectkey> <process> <status>", 2)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	body, err := messageBody(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.String("message"), time.Now())
	if err != nil {
		return err
	}

	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	id, err := a.transport.Send(c.Context, body, types.SendOptions{
		Attributes: map[string]string{cfg.TenantAttribute: cfg.SiteIdentifier},
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, id)
	return nil
}

func messageBody(objectKey, process, status, message string, sent time.Time) (string, error) {
	if !json.Valid([]byte(message)) {
		return "", fmt.Errorf("message is not valid JSON: %s", message)
	}

	body, err := json.Marshal(map[string]any{
		"objectkey": objectKey,
		"process":   process,
		"status":    status,
		"message":   json.RawMessage(message),
		"timestamp": sent.Unix(),
	})
	if err != nil {
		return "", err
	}

	return string(body), nil
}
