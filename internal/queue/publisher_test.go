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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type published struct {
	channel string
	msg     message
}

// fakeRedis records PUBLISH calls and can fail on a given channel.
type fakeRedis struct {
	redis.Cmdable
	sent    []published
	failOn  string
	pingErr error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, msg interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if channel == f.failOn {
		cmd.SetErr(errors.New("connection reset"))
		return cmd
	}
	var m message
	_ = json.Unmarshal(msg.([]byte), &m)
	f.sent = append(f.sent, published{channel: channel, msg: m})
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.pingErr != nil {
		cmd.SetErr(f.pingErr)
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func TestPublish_PerClientChannels(t *testing.T) {
	rdb := &fakeRedis{}
	p := NewPublisher(rdb, "files:")

	delivered, err := p.Publish(context.Background(), []string{"web", Broadcast}, map[string]string{"tenantId": "acme"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("delivered = %v", delivered)
	}
	if rdb.sent[0].channel != "files:web" || rdb.sent[1].channel != "files:broadcast" {
		t.Errorf("channels = %q, %q", rdb.sent[0].channel, rdb.sent[1].channel)
	}
	if rdb.sent[0].msg.ID == "" || rdb.sent[0].msg.ID != rdb.sent[1].msg.ID {
		t.Error("expected one message id shared across channels")
	}
	if string(rdb.sent[0].msg.Body) != `{"tenantId":"acme"}` {
		t.Errorf("body = %s", rdb.sent[0].msg.Body)
	}
}

func TestPublish_StopsAtFailure(t *testing.T) {
	rdb := &fakeRedis{failOn: "files:b"}
	p := NewPublisher(rdb, "files:")

	delivered, err := p.Publish(context.Background(), []string{"a", "b", "c"}, struct{}{})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(delivered) != 1 || delivered[0] != "a" {
		t.Errorf("delivered = %v, want [a]", delivered)
	}
	if len(rdb.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(rdb.sent))
	}
}

func TestPing(t *testing.T) {
	p := NewPublisher(&fakeRedis{}, "")
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	p = NewPublisher(&fakeRedis{pingErr: errors.New("down")}, "")
	if err := p.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
}
