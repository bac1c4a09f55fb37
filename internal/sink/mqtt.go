package sink

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vesaa/cloudmetrics/internal/broadcast"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each event kind to its own topic under a prefix, e.g.
// metrics:update goes to "<prefix>/metrics/update".
type MQTT struct {
	client  publisher
	prefix  string
	timeout time.Duration
	log     *slog.Logger
}

// NewMQTT connects to broker and returns a sink publishing under prefix.
func NewMQTT(broker, prefix string, log *slog.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("cloudmetrics-" + uuid.NewString()[:8])
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to mqtt broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", broker, err)
	}
	return newMQTT(client, prefix, log), nil
}

func newMQTT(client publisher, prefix string, log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: 5 * time.Second,
		log:     log.With("module", "sink", "sink", "mqtt"),
	}
}

func (m *MQTT) topic(kind broadcast.Kind) string {
	return m.prefix + "/" + strings.ReplaceAll(string(kind), ":", "/")
}

func (m *MQTT) Handle(ev broadcast.Event) {
	payload, err := encode(ev)
	if err != nil {
		m.log.Error("dropping event", "error", err)
		return
	}

	topic := m.topic(ev.Kind)
	token := m.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(m.timeout) {
		m.log.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.log.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
