package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/services"
)

func newTestTopic(t *testing.T, name string) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, name)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestPubSubResultPublisherPublishesMessage(t *testing.T) {
	srv, topic := newTestTopic(t, "dropin-results")
	publisher, err := NewPubSubResultPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubResultPublisher: %v", err)
	}

	msg := services.SessionResultMessage{
		SessionID:   "sess_1",
		MerchantID:  "merchant_1",
		Result:      domain.FailedResult(domain.NewFlowError(domain.ErrorServerFailure, "500", nil)),
		CompletedAt: time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishResult(context.Background(), msg); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.SessionResultMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.SessionID != "sess_1" || payload.Result.Outcome != domain.OutcomeFailed {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["errorKind"]; attr != string(domain.ErrorServerFailure) {
		t.Fatalf("expected errorKind attribute, got %q", attr)
	}
}

func TestPubSubAnalyticsPublisherEmitsWithoutBlocking(t *testing.T) {
	srv, topic := newTestTopic(t, "dropin-analytics")
	publisher, err := NewPubSubAnalyticsPublisher(topic, nil)
	if err != nil {
		t.Fatalf("NewPubSubAnalyticsPublisher: %v", err)
	}

	publisher.Emit(context.Background(), domain.AnalyticsEvent{
		SessionID: "sess_1",
		Name:      domain.SignalAppeared,
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Attributes["name"] != domain.SignalAppeared {
		t.Fatalf("unexpected attributes %v", messages[0].Attributes)
	}
}
