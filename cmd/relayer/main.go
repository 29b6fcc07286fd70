package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/bartossh/Relayer/chain"
	"github.com/bartossh/Relayer/configuration"
	"github.com/bartossh/Relayer/journal"
	"github.com/bartossh/Relayer/logging"
	"github.com/bartossh/Relayer/logo"
	"github.com/bartossh/Relayer/natsclient"
	"github.com/bartossh/Relayer/ratelimit"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/server"
	"github.com/bartossh/Relayer/status"
	"github.com/bartossh/Relayer/stdoutwriter"
	"github.com/bartossh/Relayer/telemetry"
	"github.com/bartossh/Relayer/webhooks"
)

const usage = `The Relayer API server relays Safe token transfers signed by session keys and pays the network fee.
Transaction progress is streamed over websocket and posted to registered webhooks, relay instances
share the progress over NATS when configured.`

func main() {
	logo.Display()

	var file, envFile string
	configurator := func() (configuration.Configuration, error) {
		if file == "" {
			return configuration.Configuration{}, errors.New("please specify configuration file path with -c <path to file>")
		}

		if err := configuration.LoadEnv(envFile); err != nil {
			return configuration.Configuration{}, err
		}

		cfg, err := configuration.Read(file)
		if err != nil {
			return cfg, err
		}

		return cfg, nil
	}

	app := &cli.App{
		Name:  "relayer",
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Load configuration from `FILE`",
				Destination: &file,
			},
			&cli.StringFlag{
				Name:        "env",
				Aliases:     []string{"e"},
				Usage:       "Load secrets from the dotenv `FILE`",
				Value:       ".env",
				Destination: &envFile,
			},
		},
		Action: func(cCtx *cli.Context) error {
			cfg, err := configurator()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
	}
}

func run(cfg configuration.Configuration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		cancel()
	}()

	key, err := cfg.Key.Load()
	if err != nil {
		return err
	}

	var jrn journal.Journal = journal.NewMemory()
	writers := []io.Writer{&stdoutwriter.Logger{}}
	if cfg.Journal.Enabled() {
		db, err := journal.Connect(ctx, cfg.Journal)
		if err != nil {
			return err
		}
		ctxx, cancelClose := context.WithTimeout(context.Background(), time.Second*1)
		defer cancelClose()
		defer db.Disconnect(ctxx)
		if err := db.RunMigration(ctx); err != nil {
			return err
		}
		jrn = db
		writers = append(writers, db)
	}

	callbackOnErr := func(err error) {
		fmt.Println("logger error: ", err)
	}

	callbackOnFatal := func(err error) {
		panic(fmt.Sprintf("fatal error: %s", err))
	}

	log := logging.New(callbackOnErr, callbackOnFatal, writers...)

	tele, err := telemetry.Run(ctx, cancel, cfg.Telemetry.Port)
	if err != nil {
		return err
	}

	registry, err := chain.NewRegistry(cfg.Chains, chain.EthereumDialer(key, log))
	if err != nil {
		return err
	}
	defer registry.Close()

	pipeline := relay.New(cfg.Relay, registry, key, log, tele)
	log.Info(fmt.Sprintf("relayer key [ %s ] serves [ %d ] chains", key.Address().Hex(), len(cfg.Chains.Networks)))

	hub := status.New(ctx, cfg.Status, log, tele)

	wh := webhooks.New(log)
	go wh.Run(ctx, hub.Tap())
	defer wh.Wait()

	go journal.Run(ctx, hub.Tap(), jrn, log)

	limiter, closeLimiter := ratelimit.Dial(ctx, cfg.Redis, cfg.RateLimit, log)
	defer closeLimiter()

	if cfg.NATS.Enabled() {
		origin := uuid.NewString()
		bridge, err := natsclient.NewBridge(cfg.NATS, origin, log)
		if err != nil {
			return err
		}
		defer bridge.Close()
		go func() {
			if err := bridge.Run(ctx, hub.Tap(), hub); err != nil {
				log.Error(fmt.Sprintf("nats bridge failed: %s", err))
			}
		}()
		log.Info(fmt.Sprintf("nats bridge [ %s ] connected to [ %s ]", origin, cfg.NATS.Address))
	}

	return server.Run(ctx, cfg.Server, server.Backend{
		Relayer:   pipeline,
		Endpoints: registry,
		Hub:       hub,
		Limiter:   limiter,
		Webhooks:  wh,
		Activity:  jrn,
	}, log)
}
