// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes distribution envelopes to Redis channels, one
// channel per subscribed client.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Broadcast is the client name that addresses every subscriber.
const Broadcast = "*"

// Publisher sends envelopes to Redis pub/sub channels.
type Publisher struct {
	rdb    redis.Cmdable
	prefix string
}

// NewPublisher creates a publisher whose channels are named prefix+client.
func NewPublisher(rdb redis.Cmdable, prefix string) *Publisher {
	return &Publisher{
		rdb:    rdb,
		prefix: prefix,
	}
}

// message is the wire form on every channel.
type message struct {
	ID          string          `json:"id"`
	Client      string          `json:"client"`
	PublishedAt int64           `json:"publishedAt"`
	Body        json.RawMessage `json:"body"`
}

// Channel returns the channel for client. The broadcast client maps to
// prefix+"broadcast".
func (p *Publisher) Channel(client string) string {
	if client == Broadcast {
		return p.prefix + "broadcast"
	}
	return p.prefix + client
}

// Publish sends body to each client's channel and returns the clients it
// reached. It stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, clients []string, body any) ([]string, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	id := uuid.New().String()
	delivered := make([]string, 0, len(clients))
	for _, client := range clients {
		msg, err := json.Marshal(message{
			ID:          id,
			Client:      client,
			PublishedAt: time.Now().UnixMilli(),
			Body:        encoded,
		})
		if err != nil {
			return delivered, fmt.Errorf("marshal message: %w", err)
		}
		channel := p.Channel(client)
		receivers, err := p.rdb.Publish(ctx, channel, msg).Result()
		if err != nil {
			return delivered, fmt.Errorf("redis PUBLISH %s: %w", channel, err)
		}
		slog.Info("published distribution envelope",
			"message_id", id,
			"channel", channel,
			"receivers", receivers,
		)
		delivered = append(delivered, client)
	}
	return delivered, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
