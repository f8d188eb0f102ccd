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

// Package vectorstore writes message embeddings to Weaviate.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/embedding"
)

// Sink stores one object per embedded message.
type Sink struct {
	client *weaviate.Client
	class  string
}

// New connects to the configured Weaviate instance.
func New(cfg config.VectorConfig) (*Sink, error) {
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &Sink{client: client, class: cfg.Class}, nil
}

// Store writes rec with its vector.
func (s *Sink) Store(ctx context.Context, rec embedding.Record) error {
	_, err := s.client.Data().Creator().
		WithClassName(s.class).
		WithProperties(map[string]interface{}{
			"tenantId": rec.TenantID,
			"s3Key":    rec.S3Key,
			"text":     rec.Text,
			"model":    rec.Model,
		}).
		WithVector(rec.Vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("store embedding for %s: %w", rec.S3Key, err)
	}
	return nil
}
