package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/services"
)

const defaultConfirmTimeout = 10 * time.Second

// PubSubAnalyticsPublisher forwards session analytics signals to a Pub/Sub topic.
// Emit never waits on the broker; confirmation failures are only logged.
type PubSubAnalyticsPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewPubSubAnalyticsPublisher constructs a Pub/Sub backed analytics sink.
func NewPubSubAnalyticsPublisher(topic *pubsub.Topic, logger func(context.Context, string, map[string]any)) (*PubSubAnalyticsPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub analytics publisher: topic is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PubSubAnalyticsPublisher{topic: topic, marshal: json.Marshal, logger: logger}, nil
}

// Emit enqueues the signal without blocking the caller.
func (p *PubSubAnalyticsPublisher) Emit(ctx context.Context, event domain.AnalyticsEvent) {
	if p == nil || p.topic == nil {
		return
	}
	data, err := p.marshal(event)
	if err != nil {
		p.logger(ctx, "analytics.publish.failed", map[string]any{"name": event.Name, "error": err.Error()})
		return
	}
	attrs := make(map[string]string)
	setAttr(attrs, "sessionId", event.SessionID)
	setAttr(attrs, "merchantId", event.MerchantID)
	setAttr(attrs, "name", event.Name)

	result := p.topic.Publish(context.WithoutCancel(ctx), &pubsub.Message{Data: data, Attributes: attrs})
	go func() {
		confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultConfirmTimeout)
		defer cancel()
		if _, err := result.Get(confirmCtx); err != nil {
			p.logger(confirmCtx, "analytics.publish.failed", map[string]any{"name": event.Name, "sessionID": event.SessionID, "error": err.Error()})
		}
	}()
}

// PubSubResultPublisher notifies the host backend of terminal session results.
type PubSubResultPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubResultPublisher constructs a Pub/Sub backed result publisher.
func NewPubSubResultPublisher(topic *pubsub.Topic) (*PubSubResultPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub result publisher: topic is required")
	}
	return &PubSubResultPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishResult publishes the result message and waits for the server id.
func (p *PubSubResultPublisher) PublishResult(ctx context.Context, message services.SessionResultMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub result publisher: not initialised")
	}
	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal session result: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "sessionId", message.SessionID)
	setAttr(attrs, "merchantId", message.MerchantID)
	setAttr(attrs, "outcome", string(message.Result.Outcome))
	if message.Result.Error != nil {
		setAttr(attrs, "errorKind", string(message.Result.Error.Kind))
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish session result: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
