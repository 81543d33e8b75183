// Package pubsub publishes entity events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Publisher publishes JSON payloads, keeping one topic handle per name.
type Publisher struct {
	client     *pubsub.Client
	attributes map[string]string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps a Pub/Sub client. attributes are attached to every message.
func New(client *pubsub.Client, attributes map[string]string) *Publisher {
	return &Publisher{
		client:     client,
		attributes: attributes,
		topics:     make(map[string]*pubsub.Topic),
	}
}

// Publish marshals payload to JSON and waits for the server-assigned ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if len(p.attributes) > 0 {
		msg.Attributes = make(map[string]string, len(p.attributes))
		for k, v := range p.attributes {
			msg.Attributes[k] = v
		}
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages on every topic handle.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}
