package main

import (
	"context"
	"fmt"
	"os"

	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/coordinator"
	"github.com/markus-barta/harmonyfast/internal/harmony"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/markus-barta/harmonyfast/internal/transport"
	"github.com/rs/zerolog"
)

// session is a short-lived hub connection with its own coordinator, used by
// the one-shot commands.
type session struct {
	cfg     *config.Config
	catalog *config.Catalog
	client  *harmony.Client
	coord   *coordinator.Coordinator
	log     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func openSession(opts *rootOptions, catalog *config.Catalog) (*session, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(os.Stderr, cfg.LogLevel)
	return startSession(cfg, catalog, log), nil
}

// startSession wires client and coordinator the same way serve does.
func startSession(cfg *config.Config, catalog *config.Catalog, log zerolog.Logger, opts ...harmony.Option) *session {
	client := harmony.New(cfg, log, opts...)
	client.SetEvents(catalog.Events)

	coord := coordinator.New(client, cfg.Timing, log)
	client.Observe(coord)
	client.OnStateChange(func(s transport.State) {
		coord.SetConnected(s == transport.StateConnected)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cfg:     cfg,
		catalog: catalog,
		client:  client,
		coord:   coord,
		log:     log,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		_ = coord.Run(ctx)
	}()
	return s
}

// do runs cmd through the coordinator and waits for the hub's answer.
func (s *session) do(ctx context.Context, cmd protocol.Command) coordinator.Result {
	res := s.coord.Do(ctx, cmd)
	if res.Err != nil {
		s.log.Debug().Err(res.Err).Str("cmd", cmd.String()).Msg("command failed")
	}
	return res
}

func (s *session) close() {
	s.cancel()
	<-s.done
	_ = s.client.Close()
}

// describe renders the outcome of a successful command for the terminal.
func describe(cat *config.Catalog, res coordinator.Result) string {
	cmd := res.Command
	switch cmd.Kind {
	case protocol.KindActivity:
		if cmd.Target == protocol.AllOff {
			return "All off"
		}
		return fmt.Sprintf("Started %s", cat.DescribeActivity(cmd.Target))
	case protocol.KindDevice:
		return fmt.Sprintf("Sent %s to %s", cmd.Action, cmd.Label)
	default:
		id := ""
		if res.Frame != nil {
			id, _ = res.Frame.Result()
		}
		if id == "" {
			return "Unknown"
		}
		return cat.DescribeActivity(id)
	}
}
