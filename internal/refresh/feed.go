// Package refresh delivers background workspace refreshes: a Redis change
// feed announcing remote writes and a periodic revalidation ticker.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "workspace:"
	channelSuffix = ":changed"
)

// Event announces that a workspace changed remotely.
type Event struct {
	WorkspaceID string    `json:"workspaceId"`
	Origin      string    `json:"origin"`
	Kind        string    `json:"kind"`
	At          time.Time `json:"at"`
}

func Channel(workspaceID string) string {
	return channelPrefix + workspaceID + channelSuffix
}

func workspaceFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) || !strings.HasSuffix(channel, channelSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(channel, channelPrefix), channelSuffix)
	return id, id != ""
}

type Publisher struct {
	client *redis.Client
	log    logr.Logger
}

func NewPublisher(client *redis.Client, log logr.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal refresh event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(event.WorkspaceID), payload).Err(); err != nil {
		return fmt.Errorf("publish refresh event: %w", err)
	}
	p.log.V(1).Info("refresh event published", "workspace", event.WorkspaceID, "kind", event.Kind)
	return nil
}

type Handler func(ctx context.Context, event Event)

type Feed struct {
	client *redis.Client
	log    logr.Logger
}

func NewFeed(client *redis.Client, log logr.Logger) *Feed {
	return &Feed{client: client, log: log}
}

// Run listens for change events of every workspace until ctx is done.
// ready, when non-nil, is closed once the subscription is active.
func (f *Feed) Run(ctx context.Context, handler Handler, ready chan<- struct{}) error {
	pubsub := f.client.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe refresh feed: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := decodeEvent(msg)
			if err != nil {
				f.log.Error(err, "drop malformed refresh event", "channel", msg.Channel)
				continue
			}
			handler(ctx, event)
		}
	}
}

func decodeEvent(msg *redis.Message) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		return Event{}, fmt.Errorf("decode refresh event: %w", err)
	}
	if id, ok := workspaceFromChannel(msg.Channel); ok {
		event.WorkspaceID = id
	}
	if event.WorkspaceID == "" {
		return Event{}, fmt.Errorf("refresh event without workspace")
	}
	return event, nil
}
