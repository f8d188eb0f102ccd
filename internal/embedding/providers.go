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
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BedrockAPI is the Bedrock runtime call used by the Titan and Cohere
// embedders.
type BedrockAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Clients holds the provider clients that are configured. Unused clients
// may be nil.
type Clients struct {
	Bedrock BedrockAPI
	OpenAI  *openai.Client
	Gemini  *genai.Client
}

// ErrProviderUnavailable is returned when the model needs a client that
// is not configured.
var ErrProviderUnavailable = errors.New("embedding provider not configured")

// NewEmbedder selects the provider from the model ID. Unknown models use
// Titan.
func NewEmbedder(modelID string, c Clients) (Embedder, error) {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "titan-embed-text"):
		return bedrockOrErr(c, &titan{api: c.Bedrock, model: modelID})
	case strings.Contains(id, "cohere.embed"):
		return bedrockOrErr(c, &cohere{api: c.Bedrock, model: modelID})
	case strings.Contains(id, "text-embedding"):
		if c.OpenAI == nil {
			return nil, fmt.Errorf("%w: openai for %s", ErrProviderUnavailable, modelID)
		}
		return &openAIEmbedder{client: c.OpenAI, model: modelID}, nil
	case strings.Contains(id, "gemini"), strings.Contains(id, "embedding-001"):
		if c.Gemini == nil {
			return nil, fmt.Errorf("%w: gemini for %s", ErrProviderUnavailable, modelID)
		}
		return &geminiEmbedder{client: c.Gemini, model: modelID}, nil
	default:
		return bedrockOrErr(c, &titan{api: c.Bedrock, model: modelID})
	}
}

func bedrockOrErr(c Clients, e Embedder) (Embedder, error) {
	if c.Bedrock == nil {
		return nil, fmt.Errorf("%w: bedrock", ErrProviderUnavailable)
	}
	return e, nil
}

// Unavailable returns an Embedder whose every call fails with err. It keeps
// the embed stage registered, answering with a soft error, when no
// provider could be configured.
func Unavailable(err error) Embedder { return unavailable{err: err} }

type unavailable struct{ err error }

func (u unavailable) Embed(context.Context, string) ([]float32, error) { return nil, u.err }

type titan struct {
	api   BedrockAPI
	model string
}

func (t *titan) Embed(ctx context.Context, text string) ([]float32, error) {
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := invoke(ctx, t.api, t.model, map[string]any{"inputText": text}, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

type cohere struct {
	api   BedrockAPI
	model string
}

func (c *cohere) Embed(ctx context.Context, text string) ([]float32, error) {
	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	body := map[string]any{"texts": []string{text}, "input_type": "search_document"}
	if err := invoke(ctx, c.api, c.model, body, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 {
		return []float32{}, nil
	}
	return out.Embeddings[0], nil
}

func invoke(ctx context.Context, api BedrockAPI, model string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        encoded,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("invoke %s: %w", model, err)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", model, err)
	}
	return nil
}

type openAIEmbedder struct {
	client *openai.Client
	model  string
}

func (o *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return []float32{}, nil
	}
	return resp.Data[0].Embedding, nil
}

type geminiEmbedder struct {
	client *genai.Client
	model  string
}

func (g *geminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := g.client.EmbeddingModel(g.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: %w", err)
	}
	if res.Embedding == nil {
		return []float32{}, nil
	}
	return res.Embedding.Values, nil
}
