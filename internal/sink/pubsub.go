package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// PubSub publishes each record as a JSON message. Messages carry the symbol
// and page type as attributes so subscribers can filter without decoding.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
}

var _ crawler.RecordSink = (*PubSub)(nil)

// NewPubSub connects to projectID and publishes to topicID. The topic must
// already exist.
func NewPubSub(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("topic %s does not exist in project %s", topicID, projectID)
	}
	return &PubSub{client: client, topic: topic, owned: true}, nil
}

// NewPubSubFromTopic publishes to an existing topic handle. Close stops the
// topic but leaves the client to its owner.
func NewPubSubFromTopic(topic *pubsub.Topic) *PubSub {
	return &PubSub{topic: topic}
}

// Emit publishes record and waits for the server acknowledgement.
func (p *PubSub) Emit(ctx context.Context, record crawler.Record) error {
	if p.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"symbol":    string(record.Symbol),
			"page_type": string(record.PageType),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// Close flushes pending messages and releases the client when owned.
func (p *PubSub) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.owned && p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
