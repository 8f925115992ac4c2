package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/harmonyfast/internal/api"
	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/coordinator"
	"github.com/markus-barta/harmonyfast/internal/harmony"
	"github.com/markus-barta/harmonyfast/internal/mqttbridge"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/markus-barta/harmonyfast/internal/transport"
	"github.com/markus-barta/harmonyfast/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the hub connection open and serve the HTTP API and MQTT bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(os.Stderr, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

// serve runs until ctx is done or a component fails.
func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", version.Info()).
		Str("hub", cfg.HubIP).
		Str("listen", cfg.ListenAddr).
		Msg("harmony starting")

	store, err := config.NewCatalogStore(cfg.CatalogPath, log)
	if err != nil {
		return err
	}

	client := harmony.New(cfg, log)
	defer func() { _ = client.Close() }()
	client.SetEvents(store.Load().Events)

	coord := coordinator.New(client, cfg.Timing, log)
	refresher := coord.NewRefresher(cfg.StatusPoll, cfg.TimeoutRefresh)
	client.Observe(coord)
	client.OnStateChange(func(s transport.State) {
		up := s == transport.StateConnected
		coord.SetConnected(up)
		if up {
			// Learn the current activity on every (re)connect.
			go func() {
				if _, err := coord.Submit(ctx, protocol.NewStatus()); err != nil {
					log.Debug().Err(err).Msg("initial status query not queued")
				}
			}()
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(ctx)
	})

	g.Go(func() error {
		return refresher.Run(ctx)
	})

	g.Go(func() error {
		return store.Watch(ctx, func(cat *config.Catalog) {
			client.SetEvents(cat.Events)
		})
	})

	srv := api.New(cfg, coord, store, log)
	g.Go(func() error {
		return srv.Run(ctx)
	})

	startMQTT(ctx, g, cfg, coord, store, log)

	client.Start()

	err = g.Wait()
	log.Info().Msg("harmony stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startMQTT attaches the bridge to an embedded broker, a remote broker, or
// neither, depending on configuration.
func startMQTT(ctx context.Context, g *errgroup.Group, cfg *config.Config, coord *coordinator.Coordinator, store *config.CatalogStore, log zerolog.Logger) {
	bridge := mqttbridge.New(cfg.MQTTTopic, coord, store, log)

	switch {
	case cfg.MQTTEmbedded != "":
		broker := mqttbridge.NewBroker(cfg.MQTTEmbedded, log)
		g.Go(func() error {
			if err := broker.Start(); err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()
			return bridge.RunEmbedded(ctx, broker)
		})
	case cfg.MQTTURL != "":
		g.Go(func() error {
			return bridge.RunRemote(ctx, cfg.MQTTURL)
		})
	default:
		log.Debug().Msg("mqtt disabled")
	}
}
