// Package bus re-publishes normalized events to a per-source Pub/Sub topic
// so routing and dispatch run on the push-consumer path instead of inside
// the vendor webhook request.
package bus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	pubsub "google.golang.org/api/pubsub/v1"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// Publisher hands a normalized event to the async pipeline.
type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// ── Pub/Sub publisher ───────────────────────────────────────

// PubSub publishes each event to projects/<p>/topics/events.<source>.
type PubSub struct {
	svc       *pubsub.Service
	projectID string
}

func NewPubSub(ctx context.Context, projectID, credentialsFile string) (*PubSub, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := pubsub.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	return &PubSub{svc: svc, projectID: projectID}, nil
}

// TopicName returns the fully qualified topic for a source.
func (p *PubSub) TopicName(source models.Source) string {
	return fmt.Sprintf("projects/%s/topics/events.%s", p.projectID, source)
}

func (p *PubSub) Publish(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	req := &pubsub.PublishRequest{
		Messages: []*pubsub.PubsubMessage{{
			Data: base64.StdEncoding.EncodeToString(data),
			Attributes: map[string]string{
				"event_id": ev.ID,
				"source":   string(ev.Source),
			},
		}},
	}
	topic := p.TopicName(ev.Source)
	resp, err := p.svc.Projects.Topics.Publish(topic, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if len(resp.MessageIds) > 0 {
		log.Debug().Str("event_id", ev.ID).Str("topic", topic).Str("message_id", resp.MessageIds[0]).Msg("event published")
	}
	return nil
}

// ── Push envelope ───────────────────────────────────────────

// PushEnvelope is the body a Pub/Sub push subscription wraps deliveries in.
type PushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush unwraps a push delivery body and returns the decoded message
// data plus its attributes.
func DecodePush(body []byte) ([]byte, map[string]string, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decode push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return nil, env.Message.Attributes, nil
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode push message data: %w", err)
	}
	return data, env.Message.Attributes, nil
}

// DecodePushEvent unwraps a push delivery carrying a serialized Event.
func DecodePushEvent(body []byte) (*models.Event, error) {
	data, _, err := DecodePush(body)
	if err != nil {
		return nil, err
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event from push message: %w", err)
	}
	return &ev, nil
}

// ── In-process fake ─────────────────────────────────────────

// Fake records published events in memory. Used in tests and as a
// no-broker fallback in local dev.
type Fake struct {
	mu     sync.Mutex
	events []models.Event
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Publish(_ context.Context, ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

// Events returns a copy of everything published so far.
func (f *Fake) Events() []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Event, len(f.events))
	copy(out, f.events)
	return out
}
