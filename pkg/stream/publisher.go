// Package stream publishes serialized receipts to a message bus. Delivery
// is best-effort: the relational write is the source of truth and publish
// failures are logged and dropped by the caller.
package stream

import (
	"context"
	"fmt"

	"github.com/pathwell/fabric/pkg/config"
)

// Publisher sends one serialized receipt per call. Implementations are
// safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// New selects a publisher backend from configuration: "kafka" (default),
// "pubsub", or "none".
func New(ctx context.Context, cfg *config.Receipt) (Publisher, error) {
	switch cfg.StreamBackend {
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "pubsub":
		return NewPubSubPublisher(ctx, cfg.PubSubProject, cfg.PubSubTopic)
	case "none", "":
		return NopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown stream backend %q", cfg.StreamBackend)
	}
}

// NopPublisher drops every message. Used when streaming is disabled.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
