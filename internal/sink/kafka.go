package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/vesaa/cloudmetrics/internal/broadcast"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every event to one topic, keyed by event kind.
type Kafka struct {
	w       messageWriter
	timeout time.Duration
	log     *slog.Logger
}

// NewKafka returns a sink writing to topic on brokers. The writer connects
// lazily on the first event.
func NewKafka(brokers []string, topic string, log *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafka(w, log)
}

func newKafka(w messageWriter, log *slog.Logger) *Kafka {
	if log == nil {
		log = slog.Default()
	}
	return &Kafka{w: w, timeout: 5 * time.Second, log: log.With("module", "sink", "sink", "kafka")}
}

func (k *Kafka) Handle(ev broadcast.Event) {
	payload, err := encode(ev)
	if err != nil {
		k.log.Error("dropping event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.Kind),
		Value:   payload,
		Headers: []kafka.Header{{Key: "event", Value: []byte(ev.Kind)}},
		Time:    time.Now(),
	})
	if err != nil {
		k.log.Warn("kafka write failed", "event", ev.Kind, "error", err)
	}
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
