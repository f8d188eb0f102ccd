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

// Package embedding computes a vector for the normalized message text.
// Provider failures never fail the run: they are reported in the result.
package embedding

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/enrich"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/models"
)

// WarnVectorStoreFailed is reported when the vector sink rejects a record.
const WarnVectorStoreFailed = "vector_store_failed"

// Record is what the vector sink stores.
type Record struct {
	TenantID string
	S3Key    string
	Text     string
	Model    string
	Vector   []float32
}

// Sink persists embeddings.
type Sink interface {
	Store(ctx context.Context, rec Record) error
}

// Vector is the embedding in stage output.
type Vector struct {
	Dim    int       `json:"dim"`
	Vector []float32 `json:"vector"`
}

// Source is the embedded text, bounded for tracing.
type Source struct {
	Text string `json:"text"`
}

// Result is the output of the embed stage.
type Result struct {
	OK         bool            `json:"ok"`
	TenantID   string          `json:"tenantId"`
	Model      string          `json:"model"`
	Error      string          `json:"error,omitempty"`
	Embedding  *Vector         `json:"embedding,omitempty"`
	Source     *Source         `json:"source,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	S3         json.RawMessage `json:"s3,omitempty"`
	ReceivedAt json.RawMessage `json:"receivedAt,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
}

type request struct {
	TenantID   models.Text     `json:"tenantId"`
	Normalized normalized      `json:"normalized"`
	Meta       json.RawMessage `json:"meta"`
	Analysis   json.RawMessage `json:"analysis"`
	S3         json.RawMessage `json:"s3"`
	ReceivedAt json.RawMessage `json:"receivedAt"`
}

type normalized struct {
	TextForEmbedding models.Text `json:"text_for_embedding"`
}

// Stage implements the embed stage.
type Stage struct {
	cfg      config.EmbeddingConfig
	embedder Embedder
	breaker  *gobreaker.CircuitBreaker
	sink     Sink
}

// NewStage creates the embed stage. sink may be nil.
func NewStage(cfg config.EmbeddingConfig, embedder Embedder, sink Sink) *Stage {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Stage{
		cfg:      cfg,
		embedder: embedder,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		sink:     sink,
	}
}

// Handle embeds the event's text.
func (s *Stage) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var req request
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, err
	}

	tenant := req.TenantID.String()
	if tenant == "" {
		tenant = "unknown"
	}
	res := &Result{
		TenantID:   tenant,
		Model:      s.cfg.ModelID,
		Meta:       req.Meta,
		Analysis:   req.Analysis,
		S3:         req.S3,
		ReceivedAt: req.ReceivedAt,
	}

	text := strings.TrimSpace(req.Normalized.TextForEmbedding.String())
	if text == "" {
		text = fallbackText(req)
	}
	if text == "" {
		res.Error = "no_text_for_embedding"
		return res, nil
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		slog.Error("embedding failed", "tenant", tenant, "model", s.cfg.ModelID, "error", err)
		res.Error = err.Error()
		return res, nil
	}

	res.OK = true
	res.Embedding = &Vector{Dim: len(vec), Vector: vec}
	res.Source = &Source{Text: enrich.Truncate(text, s.cfg.MaxSourceLen)}

	if s.sink != nil {
		rec := Record{TenantID: tenant, S3Key: s3Key(req.S3), Text: res.Source.Text, Model: s.cfg.ModelID, Vector: vec}
		if err := s.sink.Store(ctx, rec); err != nil {
			slog.Warn("vector store write failed", "tenant", tenant, "error", err)
			res.Warnings = append(res.Warnings, WarnVectorStoreFailed)
		}
	}
	return res, nil
}

func (s *Stage) embed(ctx context.Context, text string) ([]float32, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	vec, _ := out.([]float32)
	if vec == nil {
		vec = []float32{}
	}
	return vec, nil
}

// fallbackText applies the validate stage's selection to the raw blocks.
func fallbackText(req request) string {
	var meta models.Meta
	if len(req.Meta) > 0 {
		_ = json.Unmarshal(req.Meta, &meta)
	}
	var analysis models.AnalysisBlock
	if len(req.Analysis) > 0 {
		_ = json.Unmarshal(req.Analysis, &analysis)
	}
	return strings.TrimSpace(enrich.TextForEmbedding(analysis.Analysis, meta, 0))
}

func s3Key(raw json.RawMessage) string {
	var ref models.S3Ref
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &ref)
	}
	return ref.Key
}
