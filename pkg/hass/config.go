package hass

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/esbmeter/esbmeter/pkg/log"
)

// Configured registers the MQTT flags and returns a publisher connected once
// lflag.Configure has run. The publisher is disabled when no broker is set.
// mprn is called inside lflag.Do, after the meter flags are resolved.
func Configured(mprn func() string) *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL for Home Assistant, e.g. tcp://homeassistant.local:1883 (empty disables)")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "esbmeter", "MQTT client ID")

	p := &Publisher{
		timeout: 5 * time.Second,
		now:     time.Now,
	}

	lflag.Do(func() {
		if *broker == "" {
			return
		}
		p.mprn = mprn()

		opts := mqtt.NewClientOptions()
		opts.AddBroker(*broker)
		opts.SetClientID(*clientID)
		if *username != "" {
			opts.SetUsername(*username)
			opts.SetPassword(*password)
		}
		opts.SetConnectTimeout(10 * time.Second)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetWill(AvailabilityTopic(p.mprn), payloadOffline, 1, true)
		opts.SetOnConnectHandler(func(mqtt.Client) {
			ctx := context.Background()
			log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", *broker))
			// a restarted broker may have lost the retained discovery configs
			p.Reset()
		})
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			ctx := context.Background()
			log.Ctx(ctx).WarnContext(ctx, "lost connection to mqtt broker", slog.Any("error", err))
		})

		c := mqtt.NewClient(opts)
		// with connect retry the token only completes once connected, so
		// publishes before then are queued instead of failing startup
		c.Connect()
		p.client = c
		p.conn = c
	})
	return p
}

// Enabled reports whether the publisher has a broker to publish to. A
// disabled publisher accepts everything and publishes nothing.
func (p *Publisher) Enabled() bool {
	return p.client != nil
}

// Close marks the meter offline and disconnects.
func (p *Publisher) Close(ctx context.Context) {
	if p.conn == nil {
		return
	}
	if p.conn.IsConnectionOpen() {
		if err := p.publish(AvailabilityTopic(p.mprn), true, payloadOffline); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish offline status", slog.Any("error", err))
		}
	}
	p.conn.Disconnect(250)
}
