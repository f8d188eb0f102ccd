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

package enrich

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/outcome"
)

func defaultConfig() config.ValidationConfig {
	return config.ValidationConfig{
		RequiredMetaFields: []string{"subject", "from", "to", "text"},
		MaxTextLen:         20000,
	}
}

func run(t *testing.T, cfg config.ValidationConfig, raw string) Output {
	t.Helper()
	out, err := NewValidator(cfg).Handle(context.Background(), json.RawMessage(raw))
	require.NoError(t, err)
	return out.(Output)
}

func TestValidate_WrappedInputWithNestedAnalysis(t *testing.T) {
	out := run(t, defaultConfig(), `{"detail":{
		"tenant_id":"Acme",
		"received_at":1700000000000,
		"meta":{"subject":"Invoice","from":"bob@x.io","to":"a@acme.io","text":"Please pay"},
		"analysis":{"bedrock":{"bedrock_json":{"summary":"Pay invoice 42","intent":"billing","priority":"high","entities":["ACME",{"Text":"42"}]}}},
		"s3":{"bucket":"b","key":"k"}}}`)

	assert.True(t, out.OK)
	assert.True(t, out.Validated)
	assert.Equal(t, "Acme", out.TenantID)
	assert.JSONEq(t, `1700000000000`, string(out.ReceivedAt))
	assert.Equal(t, "Pay invoice 42", out.Analysis.Bedrock.Summary)
	assert.Equal(t, "high", out.Analysis.Bedrock.Priority)
	assert.Equal(t, []string{"ACME", "42"}, out.Analysis.Bedrock.EntityTexts())
	assert.Equal(t, "Pay invoice 42", out.Normalized.TextForEmbedding)
	assert.True(t, out.Debug.InputHadDetailWrapper)
	assert.Empty(t, out.Errors)
	assert.JSONEq(t, `{"bucket":"b","key":"k"}`, string(out.S3))
}

func TestValidate_Errors(t *testing.T) {
	cfg := defaultConfig()
	cfg.TenantAllowlist = []string{"acme"}
	cfg.TenantBlocklist = []string{"evil"}
	cfg.RequireAnalysis = true

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "tenant missing and meta invalid",
			raw:  `{"meta":"oops"}`,
			want: []string{"tenant_missing", "meta_invalid", "bedrock_missing"},
		},
		{
			name: "blocked and not allowed",
			raw:  `{"tenantId":"EVIL","meta":{"subject":"s","from":"f","to":"t","text":"x"},"analysis":{"summary":"y"}}`,
			want: []string{"tenant_blocked:EVIL", "tenant_not_allowed:EVIL"},
		},
		{
			name: "meta fields missing or not strings",
			raw:  `{"tenantId":"acme","meta":{"subject":"  ","from":5,"to":"t"},"analysis":{"summary":"y"}}`,
			want: []string{"meta_missing:subject", "meta_missing:from", "meta_missing:text"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, cfg, tt.raw)
			assert.False(t, out.OK)
			assert.Equal(t, tt.want, out.Errors)
		})
	}
}

func TestValidate_UnknownTenantName(t *testing.T) {
	out := run(t, defaultConfig(), `{}`)
	assert.Equal(t, "unknown", out.TenantID)
	assert.False(t, out.Debug.InputHadDetailWrapper)
	assert.JSONEq(t, `{}`, string(out.S3))
}

func TestValidate_StrictIsFault(t *testing.T) {
	cfg := defaultConfig()
	cfg.Strict = true
	_, err := NewValidator(cfg).Handle(context.Background(), json.RawMessage(`{"meta":{}}`))
	require.Error(t, err)
	assert.True(t, outcome.IsFault(err))
	assert.True(t, strings.HasPrefix(err.Error(), "validation_failed: tenant_missing;meta_missing:subject"))
}

func TestTextForEmbedding(t *testing.T) {
	meta := models.Meta{Subject: " Hi ", From: "", To: "a@acme.io"}
	assert.Equal(t, "Hi | a@acme.io", TextForEmbedding(models.Analysis{}, meta, 100))

	meta.Text = "body text"
	assert.Equal(t, "body text", TextForEmbedding(models.Analysis{}, meta, 100))
	assert.Equal(t, "sum", TextForEmbedding(models.Analysis{Summary: "summary"}, meta, 3))
	assert.Equal(t, "", TextForEmbedding(models.Analysis{}, models.Meta{}, 100))
}

func TestTruncate_Runes(t *testing.T) {
	assert.Equal(t, "äö", Truncate("äöü", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
