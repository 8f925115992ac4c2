package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

var errNotConnected = errors.New("mqtt not connected")

// pahoPublisher adapts an autopaho connection to Publisher.
type pahoPublisher struct {
	cm atomic.Pointer[autopaho.ConnectionManager]
}

func (p *pahoPublisher) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := p.cm.Load()
	if cm == nil {
		return errNotConnected
	}
	_, err := cm.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   topic,
		Payload: payload,
		Retain:  retain,
	})
	return err
}

// RunRemote connects to brokerURL and serves the bridge until ctx is done.
// autopaho reconnects on its own; subscriptions and the retained state are
// re-established on every connection.
func (b *Bridge) RunRemote(ctx context.Context, brokerURL string) error {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt url: %w", err)
	}

	clientID := "harmony-" + uuid.NewString()[:8]
	pub := &pahoPublisher{}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		WillMessage: &paho.WillMessage{
			Retain:  true,
			QoS:     1,
			Topic:   b.AvailabilityTopic(),
			Payload: []byte("offline"),
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.log.Info().Str("broker", u.Host).Msg("mqtt connection up")
			pub.cm.Store(cm)
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: b.CommandTopic(), QoS: 1},
				},
			}); err != nil {
				b.log.Error().Err(err).Str("topic", b.CommandTopic()).Msg("subscribe failed")
			}
			go func() {
				if err := pub.Publish(ctx, b.AvailabilityTopic(), []byte("online"), true); err != nil {
					b.log.Debug().Err(err).Msg("availability publish failed")
				}
				b.forget()
				b.publishState(ctx, pub, b.ctl.Snapshot())
			}()
		},
		OnConnectError: func(err error) {
			b.log.Warn().Err(err).Str("broker", u.Host).Msg("mqtt connect failed")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != b.CommandTopic() {
						return false, nil
					}
					b.handleCommand(ctx, pub, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				b.log.Warn().Err(err).Msg("mqtt client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.log.Warn().Uint8("reason", d.ReasonCode).Msg("mqtt server disconnect")
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	pub.cm.Store(cm)

	b.streamStates(ctx, pub)

	<-cm.Done()
	return nil
}
