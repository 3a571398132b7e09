// Package hass publishes usage totals to Home Assistant over MQTT using its
// discovery protocol, so the sensors appear without any YAML.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/esbmeter/esbmeter/pkg/common"
	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

const (
	DiscoveryPrefix = "homeassistant"
	TopicPrefix     = "esbmeter"

	Manufacturer = "ESB Networks"
	Model        = "Smart Meter"

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// sensor is one of the usage totals exposed as a Home Assistant entity.
type sensor struct {
	key   string
	name  string
	value func(types.Totals) float64
}

var sensors = []sensor{
	{"today", "ESB Electricity Usage: Today", func(t types.Totals) float64 { return t.Today }},
	{"last_24_hours", "ESB Electricity Usage: Last 24 Hours", func(t types.Totals) float64 { return t.Last24Hours }},
	{"this_week", "ESB Electricity Usage: This Week", func(t types.Totals) float64 { return t.ThisWeek }},
	{"last_7_days", "ESB Electricity Usage: Last 7 Days", func(t types.Totals) float64 { return t.Last7Days }},
	{"this_month", "ESB Electricity Usage: This Month", func(t types.Totals) float64 { return t.ThisMonth }},
	{"last_30_days", "ESB Electricity Usage: Last 30 Days", func(t types.Totals) float64 { return t.Last30Days }},
}

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

type discoveryConfig struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	ObjectID            string `json:"object_id"`
	StateTopic          string `json:"state_topic"`
	ValueTemplate       string `json:"value_template,omitempty"`
	JSONAttributesTopic string `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string `json:"availability_topic,omitempty"`
	DeviceClass         string `json:"device_class,omitempty"`
	StateClass          string `json:"state_class,omitempty"`
	UnitOfMeasurement   string `json:"unit_of_measurement,omitempty"`
	Icon                string `json:"icon,omitempty"`
	EntityCategory      string `json:"entity_category,omitempty"`
	PayloadOn           string `json:"payload_on,omitempty"`
	PayloadOff          string `json:"payload_off,omitempty"`
	Device              device `json:"device"`
}

type sensorState struct {
	State       float64   `json:"state"`
	LastReading time.Time `json:"last_reading,omitzero"`
	Readings    int       `json:"readings"`
	MPRN        string    `json:"mprn"`
}

type problemState struct {
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type notificationPayload struct {
	types.Notification
	CreatedAt time.Time `json:"created_at"`
}

// Publisher announces and updates the meter's entities. It implements the
// coordinator's Sink and Notifier.
type Publisher struct {
	client  publisher
	conn    mqtt.Client
	mprn    string
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	announced bool
}

// NewPublisher returns a publisher for mprn that publishes through client.
func NewPublisher(client publisher, mprn string) *Publisher {
	return &Publisher{
		client:  client,
		mprn:    mprn,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

func objectID(mprn, key string) string {
	return fmt.Sprintf("esb_%s_%s", mprn, key)
}

func sensorTopic(mprn, key, suffix string) string {
	return fmt.Sprintf("%s/sensor/%s/%s", DiscoveryPrefix, objectID(mprn, key), suffix)
}

func problemTopic(mprn, suffix string) string {
	return fmt.Sprintf("%s/binary_sensor/%s/%s", DiscoveryPrefix, objectID(mprn, "problem"), suffix)
}

// AvailabilityTopic is where "online" and "offline" are published for mprn.
func AvailabilityTopic(mprn string) string {
	return fmt.Sprintf("%s/%s/availability", TopicPrefix, mprn)
}

func notificationTopic(mprn, id string) string {
	return fmt.Sprintf("%s/%s/notifications/%s", TopicPrefix, mprn, id)
}

func (p *Publisher) device() device {
	return device{
		Identifiers:  []string{"esb_" + p.mprn},
		Name:         fmt.Sprintf("ESB Smart Meter (%s)", p.mprn),
		Manufacturer: Manufacturer,
		Model:        Model,
		SWVersion:    common.Version(),
	}
}

func (p *Publisher) publish(topic string, retained bool, payload any) error {
	var body []byte
	switch v := payload.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", topic, err)
		}
	}
	token := p.client.Publish(topic, 1, retained, body)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Reset makes the next Publish announce the entities again, e.g. after the
// broker connection was re-established.
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.announced = false
	p.mu.Unlock()
}

func (p *Publisher) announce(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announced {
		return nil
	}

	dev := p.device()
	for _, s := range sensors {
		cfg := discoveryConfig{
			Name:                s.name,
			UniqueID:            objectID(p.mprn, s.key),
			ObjectID:            objectID(p.mprn, s.key),
			StateTopic:          sensorTopic(p.mprn, s.key, "state"),
			ValueTemplate:       "{{ value_json.state }}",
			JSONAttributesTopic: sensorTopic(p.mprn, s.key, "state"),
			AvailabilityTopic:   AvailabilityTopic(p.mprn),
			DeviceClass:         "energy",
			StateClass:          "total",
			UnitOfMeasurement:   "kWh",
			Icon:                "mdi:flash",
			Device:              dev,
		}
		if err := p.publish(sensorTopic(p.mprn, s.key, "config"), true, cfg); err != nil {
			return err
		}
	}

	// the problem sensor has no availability topic so it stays visible
	// while the usage sensors are unavailable
	problem := discoveryConfig{
		Name:                "ESB Smart Meter Problem",
		UniqueID:            objectID(p.mprn, "problem"),
		ObjectID:            objectID(p.mprn, "problem"),
		StateTopic:          problemTopic(p.mprn, "state"),
		ValueTemplate:       "{{ value_json.state }}",
		JSONAttributesTopic: problemTopic(p.mprn, "state"),
		DeviceClass:         "problem",
		EntityCategory:      "diagnostic",
		PayloadOn:           "ON",
		PayloadOff:          "OFF",
		Device:              dev,
	}
	if err := p.publish(problemTopic(p.mprn, "config"), true, problem); err != nil {
		return err
	}

	log.Ctx(ctx).InfoContext(ctx, "announced home assistant entities", slog.Int("sensors", len(sensors)+1))
	p.announced = true
	return nil
}

// Publish implements the coordinator's Sink.
func (p *Publisher) Publish(ctx context.Context, mprn string, totals types.Totals, snap *types.UsageSnapshot) error {
	if !p.Enabled() {
		return nil
	}
	if mprn != p.mprn {
		return fmt.Errorf("publisher is for mprn %s, not %s", p.mprn, mprn)
	}
	if err := p.announce(ctx); err != nil {
		return err
	}

	var errs []error
	for _, s := range sensors {
		st := sensorState{
			State:       s.value(totals),
			LastReading: snap.Latest(),
			Readings:    snap.Len(),
			MPRN:        p.mprn,
		}
		if err := p.publish(sensorTopic(p.mprn, s.key, "state"), true, st); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.publish(problemTopic(p.mprn, "state"), true, problemState{State: "OFF", UpdatedAt: p.now().UTC()}); err != nil {
		errs = append(errs, err)
	}
	if err := p.publish(AvailabilityTopic(p.mprn), true, payloadOnline); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Ctx(ctx).DebugContext(ctx, "published usage to home assistant", slog.Float64("today", totals.Today))
	return nil
}

// MarkUnavailable implements the coordinator's Sink. The usage sensors go
// unavailable and the problem sensor turns on with the cause attached.
func (p *Publisher) MarkUnavailable(ctx context.Context, mprn string, cause error) error {
	if !p.Enabled() {
		return nil
	}
	if mprn != p.mprn {
		return fmt.Errorf("publisher is for mprn %s, not %s", p.mprn, mprn)
	}
	if err := p.announce(ctx); err != nil {
		return err
	}
	st := problemState{State: "ON", UpdatedAt: p.now().UTC()}
	if cause != nil {
		st.Error = cause.Error()
		if k := esb.KindOf(cause); k != 0 {
			st.Kind = k.String()
		}
	}
	return errors.Join(
		p.publish(problemTopic(p.mprn, "state"), true, st),
		p.publish(AvailabilityTopic(p.mprn), true, payloadOffline),
	)
}

// Notify implements the coordinator's Notifier by publishing a retained
// message that automations can turn into a persistent notification.
func (p *Publisher) Notify(ctx context.Context, n types.Notification) error {
	if !p.Enabled() {
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "publishing notification", slog.String("id", n.ID))
	return p.publish(notificationTopic(p.mprn, n.ID), true, notificationPayload{
		Notification: n,
		CreatedAt:    p.now().UTC(),
	})
}

// Dismiss implements the coordinator's Notifier by clearing the retained
// message.
func (p *Publisher) Dismiss(ctx context.Context, id string) error {
	if !p.Enabled() {
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "clearing notification", slog.String("id", id))
	return p.publish(notificationTopic(p.mprn, id), true, []byte{})
}
