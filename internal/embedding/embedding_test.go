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

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailpipe/internal/config"
)

type fakeBedrock struct {
	body  string
	err   error
	input map[string]any
	model string
}

func (f *fakeBedrock) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.model = *in.ModelId
	_ = json.Unmarshal(in.Body, &f.input)
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
	text  string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	f.text = text
	return f.vec, f.err
}

type fakeSink struct {
	err     error
	records []Record
}

func (f *fakeSink) Store(_ context.Context, rec Record) error {
	f.records = append(f.records, rec)
	return f.err
}

func stageConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{
		ModelID:         "amazon.titan-embed-text-v2:0",
		MaxSourceLen:    5,
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}
}

func handle(t *testing.T, s *Stage, raw string) *Result {
	t.Helper()
	out, err := s.Handle(context.Background(), json.RawMessage(raw))
	require.NoError(t, err)
	return out.(*Result)
}

func TestNewEmbedder_SelectsProvider(t *testing.T) {
	bedrock := &fakeBedrock{}
	oa := openai.NewClient("key")

	tests := []struct {
		model string
		want  any
	}{
		{"amazon.titan-embed-text-v2:0", &titan{}},
		{"cohere.embed-english-v3", &cohere{}},
		{"text-embedding-3-small", &openAIEmbedder{}},
		{"something-else", &titan{}},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			e, err := NewEmbedder(tt.model, Clients{Bedrock: bedrock, OpenAI: oa})
			require.NoError(t, err)
			assert.IsType(t, tt.want, e)
		})
	}

	_, err := NewEmbedder("models/embedding-001", Clients{Bedrock: bedrock})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	_, err = NewEmbedder("amazon.titan-embed-text-v2:0", Clients{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestTitanAndCohere_RequestShapes(t *testing.T) {
	ctx := context.Background()

	br := &fakeBedrock{body: `{"embedding":[0.5,0.25]}`}
	vec, err := (&titan{api: br, model: "amazon.titan-embed-text-v2:0"}).Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, "hello", br.input["inputText"])
	assert.Equal(t, "amazon.titan-embed-text-v2:0", br.model)

	br = &fakeBedrock{body: `{"embeddings":[[1,2,3]]}`}
	vec, err = (&cohere{api: br, model: "cohere.embed-english-v3"}).Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Equal(t, "search_document", br.input["input_type"])
	assert.Equal(t, []any{"hello"}, br.input["texts"])

	br = &fakeBedrock{body: `{"embeddings":[]}`}
	vec, err = (&cohere{api: br, model: "cohere.embed-english-v3"}).Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Empty(t, vec)
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("key")
	cfg.BaseURL = srv.URL + "/v1"
	e := &openAIEmbedder{client: openai.NewClientWithConfig(cfg), model: "text-embedding-3-small"}

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestStage_Success(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 2}}
	sink := &fakeSink{}
	s := NewStage(stageConfig(), emb, sink)

	res := handle(t, s, `{"detail":{"tenant_id":"acme","normalized":{"text_for_embedding":"Pay invoice 42"},
		"meta":{"subject":"Invoice"},"s3":{"bucket":"b","key":"k.eml"},"received_at":17}}`)

	assert.True(t, res.OK)
	assert.Equal(t, "acme", res.TenantID)
	require.NotNil(t, res.Embedding)
	assert.Equal(t, 2, res.Embedding.Dim)
	assert.Equal(t, "Pay i", res.Source.Text)
	assert.Equal(t, "Pay invoice 42", emb.text)
	assert.JSONEq(t, `{"subject":"Invoice"}`, string(res.Meta))
	assert.JSONEq(t, `17`, string(res.ReceivedAt))

	require.Len(t, sink.records, 1)
	assert.Equal(t, "k.eml", sink.records[0].S3Key)
	assert.Empty(t, res.Warnings)
}

func TestStage_FallsBackToAnalysisAndMeta(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1}}
	s := NewStage(stageConfig(), emb, nil)

	res := handle(t, s, `{"tenantId":"acme","analysis":{"bedrock":{"summary":"Short summary"}}}`)
	assert.True(t, res.OK)
	assert.Equal(t, "Short summary", emb.text)

	res = handle(t, s, `{"tenantId":"acme","meta":{"subject":"Hi","to":"a@acme.io"}}`)
	assert.True(t, res.OK)
	assert.Equal(t, "Hi | a@acme.io", emb.text)
}

func TestStage_NoText(t *testing.T) {
	emb := &fakeEmbedder{}
	res := handle(t, NewStage(stageConfig(), emb, nil), `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, "unknown", res.TenantID)
	assert.Equal(t, "no_text_for_embedding", res.Error)
	assert.Zero(t, emb.calls)
}

func TestStage_ProviderErrorIsSoft(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("throttled")}
	res := handle(t, NewStage(stageConfig(), emb, nil), `{"tenantId":"acme","normalized":{"text_for_embedding":"x"}}`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "throttled")
	assert.Nil(t, res.Embedding)
}

func TestStage_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("down")}
	s := NewStage(stageConfig(), emb, nil)
	raw := `{"tenantId":"acme","normalized":{"text_for_embedding":"x"}}`

	handle(t, s, raw)
	handle(t, s, raw)
	res := handle(t, s, raw)

	assert.Equal(t, 2, emb.calls)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "open")
}

func TestStage_SinkFailureIsWarning(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1}}
	sink := &fakeSink{err: errors.New("weaviate down")}
	res := handle(t, NewStage(stageConfig(), emb, sink), `{"tenantId":"acme","normalized":{"text_for_embedding":"x"}}`)
	assert.True(t, res.OK)
	assert.Equal(t, []string{WarnVectorStoreFailed}, res.Warnings)
}

func TestStage_UnavailableProviderIsSoft(t *testing.T) {
	_, err := NewEmbedder("gemini-embedding-001", Clients{})
	require.ErrorIs(t, err, ErrProviderUnavailable)

	res := handle(t, NewStage(stageConfig(), Unavailable(err), nil), `{"tenantId":"acme","normalized":{"text_for_embedding":"x"}}`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "embedding provider not configured")
}
