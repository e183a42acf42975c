package bus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/avast/retry-go/v4"

	"github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// Kafka record headers written on every message.
const (
	headerEventType = "event_type"
	headerEventID   = "event_id"
	headerSource    = "source"
)

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers []string

	// ConsumerGroup names the group this server consumes in. Every server
	// must see every event, so InstanceID, when set, is appended to give
	// each instance its own group.
	ConsumerGroup string
	InstanceID    string

	ClientID string
	Version  string // e.g. "2.8.0"

	// ConnectRetry attempts are made to reach the cluster at startup,
	// RetryDelay apart with exponential backoff.
	ConnectRetry int
	RetryDelay   time.Duration

	Log *logger.Logger
}

// GroupID returns the consumer group this instance joins.
func (c KafkaConfig) GroupID() string {
	if c.InstanceID == "" {
		return c.ConsumerGroup
	}
	return c.ConsumerGroup + "." + c.InstanceID
}

func (c *KafkaConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "zonedesk-bus"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ConnectRetry <= 0 {
		c.ConnectRetry = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Log == nil {
		c.Log = logger.Default()
	}
}

// saramaConfig translates c into a sarama client configuration.
func (c KafkaConfig) saramaConfig() (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	sc := sarama.NewConfig()
	sc.Version = version
	sc.ClientID = c.ClientID

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// Equal keys go to one partition, so events of a category stay ordered.
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	// A restarted server only needs what happens from now on.
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 10 * time.Second
	sc.Net.WriteTimeout = 10 * time.Second
	return sc, nil
}

// KafkaBus carries bus events on Kafka topics.
type KafkaBus struct {
	config   KafkaConfig
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	consumers sync.WaitGroup
}

// NewKafkaBus connects to the cluster, retrying with backoff, and sets
// up the producer and consumer group.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	case cfg.ConsumerGroup == "":
		return nil, errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}
	cfg.applyDefaults()
	log := cfg.Log.WithComponent("kafka-bus")

	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	client, err := retry.DoWithData(
		func() (sarama.Client, error) { return sarama.NewClient(cfg.Brokers, sc) },
		retry.Attempts(uint(cfg.ConnectRetry)),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Kafka not reachable, retrying", "attempt", n+1, "brokers", cfg.Brokers, "error", err.Error())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "connecting to kafka", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "creating kafka producer", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID(), client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "joining kafka consumer group", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &KafkaBus{
		config:   cfg,
		client:   client,
		producer: producer,
		group:    group,
		log:      log.With("group", cfg.GroupID()),
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	go func() {
		for err := range group.Errors() {
			b.log.Warn("Kafka consumer group error", "error", err.Error())
		}
	}()
	return b, nil
}

// encodeKafkaMessage builds the record for event. The partition key is
// the event key, or its id when it has none.
func encodeKafkaMessage(topic string, event Event) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "encoding kafka message", err)
	}
	key := event.Key
	if key == "" {
		key = event.ID
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(event.Type)},
			{Key: []byte(headerEventID), Value: []byte(event.ID)},
			{Key: []byte(headerSource), Value: []byte(event.Source)},
		},
	}, nil
}

// decodeKafkaMessage parses a record. Producers outside zonedesk may
// leave the type out of the body and put it in the event_type header.
func decodeKafkaMessage(msg *sarama.ConsumerMessage) (Event, error) {
	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return Event{}, err
	}
	if event.Type == "" {
		for _, h := range msg.Headers {
			if h != nil && string(h.Key) == headerEventType {
				event.Type = string(h.Value)
			}
		}
	}
	if event.Key == "" && len(msg.Key) > 0 {
		event.Key = string(msg.Key)
	}
	return event, nil
}

// Publish sends event to topic and waits for the cluster to acknowledge.
func (b *KafkaBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.CodeTimeout, "publish cancelled", err)
	}
	msg, err := encodeKafkaMessage(topic, event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "publishing to kafka", err)
	}
	return nil
}

// Subscribe adds handler for topic. The first handler for a topic starts
// its consumer.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)
	if first {
		b.consumers.Add(1)
		go b.consume(topic)
	}
	return nil
}

// consume keeps a group session open for topic until the bus closes.
// Consume returns on every rebalance, hence the loop.
func (b *KafkaBus) consume(topic string) {
	defer b.consumers.Done()
	claim := &consumerGroupHandler{bus: b, topic: topic}
	for {
		if err := b.group.Consume(b.ctx, []string{topic}, claim); err != nil &&
			!stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
			b.log.Warn("Kafka consume failed", "topic", topic, "error", err.Error())
		}
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *KafkaBus) topicHandlers(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[topic]
}

// Close stops the consumers and closes the group, producer and client.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	b.consumers.Wait()

	var errs []error
	if b.group != nil {
		if err := b.group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if b.producer != nil {
		if err := b.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	if b.client != nil && !b.client.Closed() {
		if err := b.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	if err := stderrors.Join(errs...); err != nil {
		return errors.Wrap(errors.CodeInternal, "closing kafka bus", err)
	}
	return nil
}

// consumerGroupHandler feeds one topic's claims to the bus handlers.
type consumerGroupHandler struct {
	bus   *KafkaBus
	topic string
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles one partition in offset order, marking each
// message once its handlers have run.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(ctx, msg)
			session.MarkMessage(msg, "")
		}
	}
}

func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	event, err := decodeKafkaMessage(msg)
	if err != nil {
		h.bus.log.Warn("Dropping malformed kafka message",
			"topic", h.topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err.Error(),
		)
		return
	}
	for _, handler := range h.bus.topicHandlers(h.topic) {
		if err := handler(ctx, event); err != nil {
			h.bus.log.Warn("Handler error", "topic", h.topic, "event_id", event.ID, "error", err.Error())
		}
	}
}

// ParseKafkaBrokers splits a comma separated broker list, dropping blanks.
func ParseKafkaBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
