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

// Package enrich validates the analysed message and normalizes it into the
// shape consumed by embedding, reporting and distribution.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/outcome"
)

// Input is the decoded validate-stage payload.
type Input struct {
	TenantID   models.Text          `json:"tenantId"`
	ReceivedAt json.RawMessage      `json:"receivedAt"`
	Meta       *models.Meta         `json:"meta"`
	Analysis   models.AnalysisBlock `json:"analysis"`
	S3         json.RawMessage      `json:"s3"`
}

// OutputMeta is the meta block after normalization.
type OutputMeta struct {
	Subject     string              `json:"subject"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	CC          string              `json:"cc"`
	Attachments []models.Attachment `json:"attachments"`
	Text        string              `json:"text"`
}

// Bedrock is the analysis block as later stages expect it.
type Bedrock struct {
	Bedrock models.Analysis `json:"bedrock"`
}

// Normalized carries derived values.
type Normalized struct {
	TextForEmbedding string `json:"text_for_embedding"`
}

// Debug carries diagnostics about the input shape.
type Debug struct {
	InputHadDetailWrapper bool `json:"input_had_detail_wrapper"`
}

// Output is the result of the validate stage.
type Output struct {
	OK         bool            `json:"ok"`
	Validated  bool            `json:"validated"`
	TenantID   string          `json:"tenantId"`
	ReceivedAt json.RawMessage `json:"receivedAt"`
	Meta       OutputMeta      `json:"meta"`
	Analysis   Bedrock         `json:"analysis"`
	S3         json.RawMessage `json:"s3"`
	Normalized Normalized      `json:"normalized"`
	Errors     []string        `json:"errors"`
	Warnings   []string        `json:"warnings"`
	Debug      Debug           `json:"_debug"`
}

// Validator implements the validate stage.
type Validator struct {
	cfg config.ValidationConfig
}

// NewValidator creates a validator.
func NewValidator(cfg config.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Handle validates and normalizes the event. With strict validation a
// failed check is returned as a fault.
func (v *Validator) Handle(_ context.Context, raw json.RawMessage) (any, error) {
	var in Input
	if err := envelope.Decode(raw, &in); err != nil {
		return nil, err
	}
	out := v.Validate(in)
	out.Debug.InputHadDetailWrapper = envelope.HadDetail(raw)

	if !out.OK {
		slog.Warn("validation failed", "tenant", out.TenantID, "errors", out.Errors)
		if v.cfg.Strict {
			return nil, outcome.Propagate(errors.New("validation_failed: " + strings.Join(out.Errors, ";")))
		}
	}
	return out, nil
}

// Validate checks tenant, meta and analysis and builds the normalized output.
func (v *Validator) Validate(in Input) Output {
	errs := make([]string, 0)
	tenant := in.TenantID.String()
	errs = append(errs, v.checkTenant(tenant)...)

	meta := models.Meta{}
	switch {
	case in.Meta != nil && in.Meta.Invalid():
		errs = append(errs, "meta_invalid")
	case in.Meta != nil:
		meta = *in.Meta
		errs = append(errs, v.checkMeta(meta)...)
	default:
		errs = append(errs, v.checkMeta(meta)...)
	}

	analysis := in.Analysis.Analysis
	analysis.Summary = Truncate(analysis.Summary, v.cfg.MaxTextLen)
	if analysis.Entities == nil {
		analysis.Entities = []models.Entity{}
	}
	if v.cfg.RequireAnalysis && analysis.Summary == "" {
		errs = append(errs, "bedrock_missing")
	}

	attachments := meta.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	metaText := ""
	if strings.TrimSpace(meta.Text) != "" {
		metaText = Truncate(meta.Text, v.cfg.MaxTextLen)
	}

	if tenant == "" {
		tenant = "unknown"
	}
	ok := len(errs) == 0
	return Output{
		OK:         ok,
		Validated:  ok,
		TenantID:   tenant,
		ReceivedAt: orNull(in.ReceivedAt),
		Meta: OutputMeta{
			Subject:     meta.Subject,
			From:        meta.From,
			To:          meta.To,
			CC:          meta.CC,
			Attachments: attachments,
			Text:        metaText,
		},
		Analysis:   Bedrock{Bedrock: analysis},
		S3:         orEmptyObject(in.S3),
		Normalized: Normalized{TextForEmbedding: TextForEmbedding(analysis, meta, v.cfg.MaxTextLen)},
		Errors:     errs,
		Warnings:   []string{},
	}
}

func (v *Validator) checkTenant(tenant string) []string {
	if tenant == "" {
		return []string{"tenant_missing"}
	}
	var errs []string
	lower := strings.ToLower(tenant)
	if slices.Contains(v.cfg.TenantBlocklist, lower) {
		errs = append(errs, "tenant_blocked:"+tenant)
	}
	if len(v.cfg.TenantAllowlist) > 0 && !slices.Contains(v.cfg.TenantAllowlist, lower) {
		errs = append(errs, "tenant_not_allowed:"+tenant)
	}
	return errs
}

func (v *Validator) checkMeta(meta models.Meta) []string {
	var errs []string
	for _, f := range v.cfg.RequiredMetaFields {
		val, ok := meta.Field(f)
		if !ok || strings.TrimSpace(val) == "" {
			errs = append(errs, "meta_missing:"+f)
		}
	}
	return errs
}

// TextForEmbedding picks the text to embed: the analysis summary, else the
// message text, else "subject | from | to" of the non-empty parts.
func TextForEmbedding(a models.Analysis, meta models.Meta, maxLen int) string {
	if a.Summary != "" {
		return Truncate(a.Summary, maxLen)
	}
	if strings.TrimSpace(meta.Text) != "" {
		return Truncate(meta.Text, maxLen)
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{meta.Subject, meta.From, meta.To} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return Truncate(strings.Join(parts, " | "), maxLen)
}

// Truncate limits s to n runes. A non-positive n leaves s unchanged.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}
