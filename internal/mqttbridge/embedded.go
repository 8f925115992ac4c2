package mqttbridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
)

// Broker is an embedded MQTT broker. The bridge talks to it through the
// inline client; other LAN clients connect over TCP.
type Broker struct {
	server *mochi.Server
	addr   string
	log    zerolog.Logger

	mu     sync.Mutex
	nextID int
}

// NewBroker creates a broker listening on addr. An empty addr serves only
// inline clients.
func NewBroker(addr string, log zerolog.Logger) *Broker {
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &Broker{
		server: server,
		addr:   addr,
		log:    log.With().Str("component", "broker").Logger(),
		nextID: 1,
	}
}

// Start adds the listener and begins serving.
func (b *Broker) Start() error {
	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("broker auth hook: %w", err)
	}

	if b.addr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: b.addr})
		if err := b.server.AddListener(tcp); err != nil {
			return fmt.Errorf("broker listener: %w", err)
		}
	}

	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("broker serve: %w", err)
	}
	b.log.Info().Str("addr", b.addr).Msg("embedded broker started")
	return nil
}

// Close stops the broker and disconnects its clients.
func (b *Broker) Close() error {
	return b.server.Close()
}

// Publish implements Publisher through the inline client.
func (b *Broker) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// Subscribe registers an inline subscription and returns a function that
// removes it.
func (b *Broker) Subscribe(filter string, fn func(topic string, payload []byte)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()

	err := b.server.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, pk.Payload)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = b.server.Unsubscribe(filter, id) }, nil
}

// RunEmbedded serves the bridge through broker until ctx is done. The broker
// must already be started.
func (b *Bridge) RunEmbedded(ctx context.Context, broker *Broker) error {
	unsubscribe, err := broker.Subscribe(b.CommandTopic(), func(_ string, payload []byte) {
		b.handleCommand(ctx, broker, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.CommandTopic(), err)
	}
	defer unsubscribe()

	b.log.Info().Str("topic", b.topic).Msg("bridge attached to embedded broker")
	b.streamStates(ctx, broker)
	return nil
}
