package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBridge mirrors document broadcasts between server instances over
// Redis pub/sub. Each instance stamps its published envelopes with its own
// ID and drops messages it published itself, so a broadcast fans out to
// every instance exactly once.
type RedisBridge struct {
	publisher     *redis.Client
	subscriber    *redis.Client
	connected     bool
	instanceID    string
	channelPrefix string
	handlers      map[string]func([]byte)
	handlersMu    sync.RWMutex
	pubsubs       map[string]*redis.PubSub
	pubsubsMu     sync.Mutex
}

// RedisBridgeConfig holds Redis connection configuration.
type RedisBridgeConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

// DefaultRedisBridgeConfig returns sensible defaults.
func DefaultRedisBridgeConfig() *RedisBridgeConfig {
	return &RedisBridgeConfig{
		ChannelPrefix: "collab:",
		MaxRetries:    3,
	}
}

// bridgeEnvelope wraps a broadcast with the publishing instance's ID.
type bridgeEnvelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// NewRedisBridge creates a Redis broadcast bridge.
func NewRedisBridge(config *RedisBridgeConfig) (*RedisBridge, error) {
	if config == nil {
		config = DefaultRedisBridgeConfig()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries

	return &RedisBridge{
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		instanceID:    uuid.NewString(),
		channelPrefix: config.ChannelPrefix,
		handlers:      make(map[string]func([]byte)),
		pubsubs:       make(map[string]*redis.PubSub),
	}, nil
}

// Connect establishes Redis connections.
func (r *RedisBridge) Connect(ctx context.Context) error {
	if err := r.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	if err := r.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}
	r.connected = true
	return nil
}

// Disconnect closes Redis connections and every active subscription.
func (r *RedisBridge) Disconnect(ctx context.Context) error {
	r.connected = false

	r.pubsubsMu.Lock()
	for _, ps := range r.pubsubs {
		ps.Close()
	}
	r.pubsubs = make(map[string]*redis.PubSub)
	r.pubsubsMu.Unlock()

	r.handlersMu.Lock()
	r.handlers = make(map[string]func([]byte))
	r.handlersMu.Unlock()

	r.publisher.Close()
	r.subscriber.Close()
	return nil
}

// IsConnected returns connection status.
func (r *RedisBridge) IsConnected() bool {
	return r.connected
}

// HealthCheck verifies Redis connectivity.
func (r *RedisBridge) HealthCheck(ctx context.Context) (bool, error) {
	err := r.publisher.Ping(ctx).Err()
	return err == nil, err
}

// Publish mirrors an encoded broadcast to the document's channel.
func (r *RedisBridge) Publish(ctx context.Context, documentID string, data []byte) error {
	envelope, err := json.Marshal(bridgeEnvelope{
		Origin: r.instanceID,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return r.publisher.Publish(ctx, r.documentChannel(documentID), envelope).Err()
}

// Subscribe registers the handler for a document's channel and starts the
// receive loop. One handler per document; a second Subscribe replaces the
// first.
func (r *RedisBridge) Subscribe(ctx context.Context, documentID string, handler func(data []byte)) error {
	channel := r.documentChannel(documentID)

	r.handlersMu.Lock()
	_, existed := r.handlers[channel]
	r.handlers[channel] = handler
	r.handlersMu.Unlock()

	if existed {
		return nil
	}

	pubsub := r.subscriber.Subscribe(ctx, channel)

	// Wait for the server's subscription confirmation so a Publish issued
	// right after Subscribe returns cannot race past the registration.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		r.handlersMu.Lock()
		delete(r.handlers, channel)
		r.handlersMu.Unlock()
		return fmt.Errorf("failed to confirm subscription: %w", err)
	}

	r.pubsubsMu.Lock()
	r.pubsubs[channel] = pubsub
	r.pubsubsMu.Unlock()

	go r.handleMessages(channel, pubsub)
	return nil
}

// Unsubscribe removes the handler and closes the document's subscription.
func (r *RedisBridge) Unsubscribe(ctx context.Context, documentID string) error {
	channel := r.documentChannel(documentID)

	r.handlersMu.Lock()
	delete(r.handlers, channel)
	r.handlersMu.Unlock()

	r.pubsubsMu.Lock()
	if ps, ok := r.pubsubs[channel]; ok {
		ps.Unsubscribe(ctx, channel)
		ps.Close()
		delete(r.pubsubs, channel)
	}
	r.pubsubsMu.Unlock()

	return nil
}

// handleMessages drains a channel's subscription, dropping envelopes this
// instance published itself.
func (r *RedisBridge) handleMessages(channel string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for msg := range ch {
		var envelope bridgeEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			continue
		}
		if envelope.Origin == r.instanceID {
			continue
		}

		r.handlersMu.RLock()
		handler := r.handlers[channel]
		r.handlersMu.RUnlock()

		if handler != nil {
			handler(envelope.Data)
		}
	}
}

func (r *RedisBridge) documentChannel(documentID string) string {
	return fmt.Sprintf("%sdoc:%s", r.channelPrefix, documentID)
}

// BridgeStats holds bridge subscription statistics.
type BridgeStats struct {
	Connected          bool `json:"connected"`
	SubscribedChannels int  `json:"subscribedChannels"`
}

// GetStats returns bridge statistics.
func (r *RedisBridge) GetStats() BridgeStats {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()

	return BridgeStats{
		Connected:          r.connected,
		SubscribedChannels: len(r.handlers),
	}
}
