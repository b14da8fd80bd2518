// Package devicefeed ingests observations pushed by bedside devices
// (anesthesia workstations, monitors) over MQTT and feeds them into the
// snapshot store as if they were charted by hand. Each device connection is
// its own origin session, so a device never receives an echo of its own
// readings over the change bus.
package devicefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opchart/opchart/internal/domain/snapshot"
)

// PointSink receives parsed device readings; the snapshot service
// implements it.
type PointSink interface {
	AddPoint(ctx context.Context, recordID uuid.UUID, channel string, ts time.Time, in snapshot.PointInput, session string) (*snapshot.Snapshot, error)
	AddKeyedPoint(ctx context.Context, recordID uuid.UUID, channel, paramKey string, ts time.Time, value float64, session string) (*snapshot.Snapshot, error)
}

// Subscriber is the slice of the MQTT client the bridge needs. Wrapping it
// keeps the paho connection out of the tests.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge subscribes to <prefix>/<recordID>/<channel> and forwards readings.
type Bridge struct {
	sink   PointSink
	client Subscriber
	prefix string
	logger zerolog.Logger
}

// Connect dials the broker and returns a running bridge. The paho client
// re-subscribes on reconnect, so a flaky broker only loses readings
// published while the link was down.
func Connect(cfg Config, sink PointSink, logger zerolog.Logger) (*Bridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}

	b := NewBridge(sink, client, cfg.TopicPrefix, logger)
	if err := b.subscribe(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	logger.Info().Str("broker", cfg.Broker).Str("prefix", cfg.TopicPrefix).Msg("device feed connected")
	return b, nil
}

func NewBridge(sink PointSink, client Subscriber, prefix string, logger zerolog.Logger) *Bridge {
	return &Bridge{sink: sink, client: client, prefix: prefix, logger: logger}
}

func (b *Bridge) subscribe() error {
	token := b.client.Subscribe(b.prefix+"/+/+", 1, func(_ mqtt.Client, msg mqtt.Message) {
		b.HandleMessage(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", b.prefix, token.Error())
	}
	return nil
}

func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

// reading is the wire shape devices publish. ParamKey selects the keyed
// flavor; DeviceID attributes the origin session.
type reading struct {
	DeviceID   string             `json:"deviceId"`
	Timestamp  time.Time          `json:"timestamp"`
	ParamKey   string             `json:"paramKey,omitempty"`
	Value      *float64           `json:"value,omitempty"`
	Fields     map[string]float64 `json:"fields,omitempty"`
	Category   string             `json:"category,omitempty"`
	Total      *int               `json:"total,omitempty"`
	Components map[string]int     `json:"components,omitempty"`
}

// HandleMessage parses one publication. Malformed or rejected readings are
// logged and dropped; a device cannot be answered anyway.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	recordID, channel, err := b.parseTopic(topic)
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("device feed: bad topic")
		return
	}

	var r reading
	if err := json.Unmarshal(payload, &r); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("device feed: bad payload")
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	session := "device:" + r.DeviceID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.ParamKey != "" {
		if r.Value == nil {
			b.logger.Warn().Str("topic", topic).Msg("device feed: keyed reading without value")
			return
		}
		_, err = b.sink.AddKeyedPoint(ctx, recordID, channel, r.ParamKey, r.Timestamp, *r.Value, session)
	} else {
		_, err = b.sink.AddPoint(ctx, recordID, channel, r.Timestamp, snapshot.PointInput{
			Value:      r.Value,
			Fields:     r.Fields,
			Category:   r.Category,
			Total:      r.Total,
			Components: r.Components,
		}, session)
	}
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Str("device", r.DeviceID).
			Msg("device feed: reading rejected")
	}
}

func (b *Bridge) parseTopic(topic string) (uuid.UUID, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != b.prefix {
		return uuid.Nil, "", fmt.Errorf("topic %q does not match %s/<recordID>/<channel>", topic, b.prefix)
	}
	recordID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("bad record id in topic %q: %w", topic, err)
	}
	if parts[2] == "" {
		return uuid.Nil, "", fmt.Errorf("empty channel in topic %q", topic)
	}
	return recordID, parts[2], nil
}
