package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

func TestNewKafkaBusRejectsBadConfig(t *testing.T) {
	tests := map[string]KafkaConfig{
		"no brokers":  {ConsumerGroup: "zonedesk"},
		"no group":    {Brokers: []string{"kafka-1:9092"}},
		"bad version": {Brokers: []string{"kafka-1:9092"}, ConsumerGroup: "zonedesk", Version: "not-a-version"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			cfg.Log = logger.Discard()
			_, err := NewKafkaBus(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewKafkaBusUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := NewKafkaBus(KafkaConfig{
		Brokers:       []string{"127.0.0.1:1"},
		ConsumerGroup: "zonedesk",
		ConnectRetry:  1,
		RetryDelay:    time.Millisecond,
		Log:           logger.Discard(),
	})
	assert.Error(t, err)
}

func TestKafkaConfigGroupID(t *testing.T) {
	assert.Equal(t, "zonedesk", KafkaConfig{ConsumerGroup: "zonedesk"}.GroupID())
	assert.Equal(t, "zonedesk.rt-2", KafkaConfig{ConsumerGroup: "zonedesk", InstanceID: "rt-2"}.GroupID())
}

func TestKafkaSaramaConfig(t *testing.T) {
	cfg := KafkaConfig{Brokers: []string{"kafka-1:9092"}, ConsumerGroup: "zonedesk"}
	cfg.applyDefaults()

	sc, err := cfg.saramaConfig()
	require.NoError(t, err)
	assert.Equal(t, "zonedesk-bus", sc.ClientID)
	assert.Equal(t, sarama.V2_8_0_0, sc.Version)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.OffsetNewest, sc.Consumer.Offsets.Initial)
	assert.NoError(t, sc.Validate())

	assert.Equal(t, 5, cfg.ConnectRetry)
	assert.Equal(t, time.Second, cfg.RetryDelay)
}

func TestKafkaMessageRoundTrip(t *testing.T) {
	ev, err := NewEvent(TypeDomainEvent, "zones-api", "zone_updated", map[string]string{"zone": "example.com"})
	require.NoError(t, err)

	msg, err := encodeKafkaMessage(TopicEvents, ev)
	require.NoError(t, err)
	assert.Equal(t, TopicEvents, msg.Topic)
	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "zone_updated", string(key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		headerEventType: TypeDomainEvent,
		headerEventID:   ev.ID,
		headerSource:    "zones-api",
	}, headers)

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	got, err := decodeKafkaMessage(&sarama.ConsumerMessage{Key: key, Value: value})
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))
}

func TestKafkaMessageKeyFallsBackToID(t *testing.T) {
	msg, err := encodeKafkaMessage(TopicRoles, Event{ID: "ev-7", Type: TypeRoleChanged})
	require.NoError(t, err)
	key, _ := msg.Key.Encode()
	assert.Equal(t, "ev-7", string(key))
}

func TestDecodeKafkaMessageFromForeignProducer(t *testing.T) {
	got, err := decodeKafkaMessage(&sarama.ConsumerMessage{
		Key:     []byte("security_alert"),
		Value:   []byte(`{"id":"ext-1","payload":{"rule":"dns-tunnel"}}`),
		Headers: []*sarama.RecordHeader{{Key: []byte(headerEventType), Value: []byte(TypeDomainEvent)}},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeDomainEvent, got.Type)
	assert.Equal(t, "security_alert", got.Key)

	_, err = decodeKafkaMessage(&sarama.ConsumerMessage{Value: []byte("{not json")})
	assert.Error(t, err)
}

func TestParseKafkaBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"kafka-1:9092", []string{"kafka-1:9092"}},
		{"kafka-1:9092,kafka-2:9092", []string{"kafka-1:9092", "kafka-2:9092"}},
		{" kafka-1:9092 , kafka-2:9092 ", []string{"kafka-1:9092", "kafka-2:9092"}},
		{"kafka-1:9092,,kafka-2:9092,", []string{"kafka-1:9092", "kafka-2:9092"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseKafkaBrokers(tt.in), "input %q", tt.in)
	}
}

func TestBackendsImplementBus(t *testing.T) {
	var _ Bus = (*KafkaBus)(nil)
	var _ Bus = (*RedisBus)(nil)
	var _ Bus = (*MemoryBus)(nil)
	var _ Bus = (*JournaledBus)(nil)
	var _ Bus = (*InstrumentedBus)(nil)
}

func TestClosedKafkaBus(t *testing.T) {
	b := &KafkaBus{handlers: make(map[string][]Handler), log: logger.Discard(), closed: true}

	assert.NoError(t, b.Close(), "closing twice is a no-op")
	assert.Error(t, b.Publish(context.Background(), TopicEvents, Event{ID: "late"}))
	assert.Error(t, b.Subscribe(context.Background(), TopicEvents, func(context.Context, Event) error { return nil }))
}

func TestConsumerGroupHandlerDeliversToTopicHandlers(t *testing.T) {
	var got []Event
	b := &KafkaBus{
		handlers: map[string][]Handler{
			TopicEvents: {func(ctx context.Context, event Event) error {
				got = append(got, event)
				return nil
			}},
		},
		log: logger.Discard(),
	}
	h := &consumerGroupHandler{bus: b, topic: TopicEvents}

	ev, err := NewEvent(TypeDomainEvent, "zones-api", "zone_updated", map[string]string{"zone": "z1"})
	require.NoError(t, err)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	h.handle(context.Background(), &sarama.ConsumerMessage{Topic: TopicEvents, Value: data})
	h.handle(context.Background(), &sarama.ConsumerMessage{Topic: TopicEvents, Value: []byte("{not json")})

	require.Len(t, got, 1, "malformed messages are dropped")
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, "zone_updated", got[0].Key)
	assert.JSONEq(t, `{"zone":"z1"}`, string(got[0].Payload))
}
