package stream

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubPublisher publishes receipts to a Google Cloud Pub/Sub topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher connects to the project and binds the topic.
func NewPubSubPublisher(ctx context.Context, project, topic string) (*PubSubPublisher, error) {
	if project == "" || topic == "" {
		return nil, fmt.Errorf("pubsub backend requires PUBSUB_PROJECT and PUBSUB_TOPIC")
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topic)}, nil
}

// Publish implements Publisher. The key travels as an ordering attribute
// so downstream consumers can partition without re-parsing the body.
func (p *PubSubPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"key": key},
	})
	_, err := result.Get(ctx)
	return err
}

// Close implements Publisher.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
