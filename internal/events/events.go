// Package events delivers state-change notifications to collaborators.
// Delivery is best effort: a failed publish never undoes the change it
// describes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type names an event.
type Type string

const (
	PortfolioUpdated    Type = "portfolio_updated"
	LeaderboardUpdated  Type = "leaderboard_updated"
	LeaderboardSnapshot Type = "leaderboard_snapshot"
)

// Event is one notification. Payload is the new state (portfolio,
// leaderboard rows or snapshot) and is serialized as JSON.
type Event struct {
	Type        Type      `json:"type"`
	PortfolioID string    `json:"portfolio_id,omitempty"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	At          time.Time `json:"at"`
}

// Sink publishes events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is the part of a redis client RedisSink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	rdb     Publisher
	channel string
}

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(rdb Publisher, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}
