// Package bridge mirrors bus traffic to Kafka and feeds remote commands
// back onto the bus.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
)

// Sender is the bus identity used for commands read from Kafka.
const Sender = "kafka_bridge"

// Header keys attached to every mirrored record.
const (
	HeaderTopic = "marketclaw-topic"
	HeaderType  = "marketclaw-type"
	HeaderFrom  = "marketclaw-from"
)

const queueSize = 256

// Writer is the producing half of a Kafka client. *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the consuming half of a Kafka client. *kafka.Reader satisfies it.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config selects what the bridge mirrors and where.
type Config struct {
	Brokers       []string
	Topic         string
	Topics        []string
	CommandsTopic string
	GroupID       string
}

// Command is the wire form of a remote command.
type Command struct {
	From  string         `json:"from_agent,omitempty"`
	To    string         `json:"to_agent,omitempty"`
	Topic string         `json:"topic"`
	Data  map[string]any `json:"data"`
}

type subscriptionRef struct {
	topic string
	id    bus.SubscriptionID
}

// Kafka mirrors EVENT and ALERT messages from the configured bus topics to
// one Kafka topic, and optionally publishes commands read from Kafka.
type Kafka struct {
	bus    *bus.Bus
	writer Writer
	reader Reader
	topics []string
	logger *slog.Logger

	queue chan *bus.Message

	mu      sync.Mutex
	subs    []subscriptionRef
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewKafkaWriter returns a producer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaReader returns a consumer group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// NewKafka builds a bridge with real kafka-go clients from cfg.
func NewKafka(b *bus.Bus, cfg Config, logger *slog.Logger) (*Kafka, error) {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka bridge: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka bridge: no target topic configured")
	}
	var r Reader
	if cfg.CommandsTopic != "" {
		group := cfg.GroupID
		if group == "" {
			group = "marketclaw"
		}
		r = NewKafkaReader(brokers, cfg.CommandsTopic, group)
	}
	return New(b, NewKafkaWriter(brokers, cfg.Topic), r, cfg.Topics, logger), nil
}

// New builds a bridge on the given clients. r may be nil to disable
// command consumption.
func New(b *bus.Bus, w Writer, r Reader, topics []string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = logging.WithModule("bridge")
	}
	return &Kafka{
		bus:    b,
		writer: w,
		reader: r,
		topics: topics,
		logger: logger,
		queue:  make(chan *bus.Message, queueSize),
	}
}

// Start subscribes to the mirrored topics and launches the writer and
// reader goroutines.
func (k *Kafka) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return nil
	}

	ctx, k.cancel = context.WithCancel(ctx)
	for _, topic := range k.topics {
		id := k.bus.Subscribe(topic, k.enqueue)
		k.subs = append(k.subs, subscriptionRef{topic: topic, id: id})
	}

	k.wg.Add(1)
	go k.writeLoop(ctx)
	if k.reader != nil {
		k.wg.Add(1)
		go k.readLoop(ctx)
	}
	k.started = true
	k.logger.Info("Kafka bridge started", "topics", k.topics, "commands", k.reader != nil)
	return nil
}

// Stop unsubscribes, flushes queued messages and closes the clients.
func (k *Kafka) Stop() error {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return nil
	}
	for _, s := range k.subs {
		k.bus.Unsubscribe(s.topic, s.id)
	}
	k.subs = nil
	k.started = false
	cancel := k.cancel
	k.mu.Unlock()

	cancel()
	k.wg.Wait()

	var errs []error
	if err := k.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	if k.reader != nil {
		if err := k.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	k.logger.Info("Kafka bridge stopped")
	return errors.Join(errs...)
}

func (k *Kafka) enqueue(_ context.Context, msg *bus.Message) error {
	if msg.Type != bus.TypeEvent && msg.Type != bus.TypeAlert {
		return nil
	}
	select {
	case k.queue <- msg:
	default:
		k.logger.Warn("Kafka bridge queue full, dropping message", "topic", msg.Topic, "id", msg.ID)
	}
	return nil
}

func (k *Kafka) writeLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case msg := <-k.queue:
			k.write(ctx, msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-k.queue:
					k.write(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (k *Kafka) write(ctx context.Context, msg *bus.Message) {
	rec, err := Encode(ctx, msg)
	if err != nil {
		k.logger.Warn("Kafka bridge encode failed", "topic", msg.Topic, "error", err)
		return
	}
	if err := k.writer.WriteMessages(context.WithoutCancel(ctx), rec); err != nil {
		k.logger.Warn("Kafka bridge write failed", "topic", msg.Topic, "error", err)
	}
}

// Encode renders a bus message as a Kafka record keyed by its bus topic,
// carrying the current trace context in its headers.
func Encode(ctx context.Context, msg *bus.Message) (kafka.Message, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafka.Header, 0, len(carrier)+3)
	for key, v := range carrier {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderType, Value: []byte(msg.Type)},
		kafka.Header{Key: HeaderFrom, Value: []byte(msg.From)},
	)
	return kafka.Message{Key: []byte(msg.Topic), Value: payload, Headers: headers}, nil
}

func (k *Kafka) readLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		rec, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Warn("Kafka bridge read error", "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		msg, err := DecodeCommand(rec.Value)
		if err != nil {
			k.logger.Warn("Kafka bridge dropped command", "offset", rec.Offset, "error", err)
			continue
		}
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(rec.Headers))
		if err := k.bus.Publish(msgCtx, msg); err != nil {
			k.logger.Warn("Kafka bridge publish failed", "topic", msg.Topic, "error", err)
		}
	}
}

// DecodeCommand parses a remote command into a COMMAND bus message.
func DecodeCommand(raw []byte) (*bus.Message, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if c.Topic == "" {
		return nil, errors.New("decode command: topic required")
	}
	from := c.From
	if from == "" {
		from = Sender
	}
	return bus.NewMessage(from, c.To, bus.TypeCommand, c.Topic, c.Data), nil
}

func headerCarrier(headers []kafka.Header) propagation.MapCarrier {
	c := propagation.MapCarrier{}
	for _, h := range headers {
		c[h.Key] = string(h.Value)
	}
	return c
}

func splitBrokers(in []string) []string {
	var out []string
	for _, s := range in {
		for _, b := range strings.Split(s, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
