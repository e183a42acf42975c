package bus

import (
	"fmt"
	"os"
	"strings"

	"github.com/zonedesk/zonedesk/internal/config"
	"github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// NewBus creates the backend named by cfg.Type.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryBus(log), nil

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "zonedesk"
		}

		instance, _ := os.Hostname()
		return NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			InstanceID:    instance,
			ClientID:      "zonedesk-bus",
			ConnectRetry:  cfg.ConnectRetry,
			Log:           log,
		})

	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New(errors.CodeValidation, "redis URL not configured")
		}
		return NewRedisBus(RedisConfig{
			URL:          cfg.RedisURL,
			ConnectRetry: cfg.ConnectRetry,
			Log:          log,
		})

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
}

// NewJournaledFromConfig creates the backend and, when cfg names an event
// log, wraps it so every published event is journaled. The returned
// journal is nil without an event log.
func NewJournaledFromConfig(cfg config.BusConfig, log *logger.Logger) (Bus, *Journal, error) {
	backend, err := NewBus(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EventLogPath == "" {
		return backend, nil, nil
	}
	journal, err := OpenJournal(cfg.EventLogPath)
	if err != nil {
		backend.Close()
		return nil, nil, errors.Wrap(errors.CodeInternal, "opening event journal", err)
	}
	return NewJournaledBus(backend, journal, log), journal, nil
}
