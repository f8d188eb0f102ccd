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

// Package app builds the clients and stages shared by the commands from
// one loaded Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/generative-ai-go/genai"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"github.com/bcem/mailpipe/internal/analysis"
	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/dedup"
	"github.com/bcem/mailpipe/internal/embedding"
	"github.com/bcem/mailpipe/internal/enrich"
	"github.com/bcem/mailpipe/internal/notify"
	"github.com/bcem/mailpipe/internal/objectstore"
	"github.com/bcem/mailpipe/internal/pipeline"
	"github.com/bcem/mailpipe/internal/preflight"
	"github.com/bcem/mailpipe/internal/queue"
	"github.com/bcem/mailpipe/internal/report"
	"github.com/bcem/mailpipe/internal/router"
	"github.com/bcem/mailpipe/internal/secrets"
	"github.com/bcem/mailpipe/internal/syncstore"
	"github.com/bcem/mailpipe/internal/tenant"
	"github.com/bcem/mailpipe/internal/tenantdb"
	"github.com/bcem/mailpipe/internal/vectorstore"
	"github.com/bcem/mailpipe/internal/workflow"
)

// ObjectStore is the full object store surface the stages need.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error)
	Put(ctx context.Context, in objectstore.PutInput) error
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error)
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// App holds the wired stages and the clients that need closing.
type App struct {
	Registry  *pipeline.Registry
	Router    *router.Router
	Store     ObjectStore
	Redis     *redis.Client // nil when Redis is disabled
	Publisher *queue.Publisher

	closers []func() error
}

// Build connects the clients named by cfg and registers every stage.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	a := &App{}

	switch cfg.Storage.Driver {
	case "memory":
		a.Store = objectstore.NewMemory()
		slog.Warn("using in-memory object store")
	default:
		a.Store = objectstore.NewS3(s3.NewFromConfig(awsCfg))
	}

	var filter router.EventFilter
	var publisher notify.Publisher
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opt)
		a.closers = append(a.closers, a.Redis.Close)
		filter = dedup.NewFilter(a.Redis, cfg.Workflow.DedupTTL)
		a.Publisher = queue.NewPublisher(a.Redis, cfg.Distribution.ChannelPrefix)
		publisher = a.Publisher
	}

	connector := tenantdb.NewPGConnector(cfg.Directory, tenantdb.IAMTokens{
		Region:      cfg.AWSRegion,
		Credentials: awsCfg.Credentials,
	})
	naming := tenantdb.NewNaming(cfg.Tenancy)

	starter := workflow.NewStarter(sfn.NewFromConfig(awsCfg), cfg.Workflow.StateMachineARN)
	a.Router = router.New(a.Store, starter, filter)

	auth := analysis.NewAuthResolver(cfg.Analysis,
		secrets.NewSecretStore(secretsmanager.NewFromConfig(awsCfg)),
		secrets.NewParameterStore(ssm.NewFromConfig(awsCfg)),
	)
	forwarder := analysis.NewForwarder(cfg.Analysis, a.Store,
		preflight.NewChecker(cfg.Analysis.ProbeTimeout), auth, analysis.NewHTTPClient(cfg.Analysis))

	embedder, err := a.embedder(ctx, cfg, awsCfg)
	if err != nil {
		slog.Warn("embedding provider unavailable, embed stage will report errors",
			"model", cfg.Embedding.ModelID,
			"error", err,
		)
		embedder = embedding.Unavailable(err)
	}
	var sink embedding.Sink
	if cfg.Vector.Host != "" {
		vs, err := vectorstore.New(cfg.Vector)
		if err != nil {
			return nil, err
		}
		sink = vs
	}

	r := pipeline.NewRegistry(cfg.Server.StageTimeout)
	r.Register(pipeline.ResolveTenant, tenant.NewStage(tenant.NewResolver(connector, cfg.Directory, cfg.Tenancy)))
	r.Register(pipeline.Route, router.NewStage(a.Router))
	r.Register(pipeline.ForwardAnalysis, forwarder)
	r.Register(pipeline.Validate, enrich.NewValidator(cfg.Validation))
	r.Register(pipeline.Embed, embedding.NewStage(cfg.Embedding, embedder, sink))
	r.Register(pipeline.RenderReport, report.NewStage(cfg.Report, a.Store))
	r.Register(pipeline.Notify, notify.NewBuilder(cfg.Notify))
	r.Register(pipeline.Distribute, notify.NewDistributor(cfg.Distribution, cfg.Persistence, publisher))
	r.Register(pipeline.Persist, syncstore.NewStage(cfg.Persistence, connector, naming))
	a.Registry = r

	slog.Info("pipeline wired",
		"stages", r.Names(),
		"storage", cfg.Storage.Driver,
		"redis", a.Redis != nil,
		"vector_sink", sink != nil,
	)
	return a, nil
}

// embedder builds the client for the configured model and returns its
// provider. Clients for other providers are left nil.
func (a *App) embedder(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (embedding.Embedder, error) {
	clients := embedding.Clients{Bedrock: bedrockruntime.NewFromConfig(awsCfg)}
	if cfg.Embedding.OpenAIAPIKey != "" {
		clients.OpenAI = openai.NewClient(cfg.Embedding.OpenAIAPIKey)
	}
	if cfg.Embedding.GeminiAPIKey != "" {
		gc, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Embedding.GeminiAPIKey))
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		a.closers = append(a.closers, gc.Close)
		clients.Gemini = gc
	}
	return embedding.NewEmbedder(cfg.Embedding.ModelID, clients)
}

// Ping checks Redis. It satisfies the health check and is nil-safe for a
// disabled Redis.
func (a *App) Ping(ctx context.Context) error {
	if a.Publisher == nil {
		return nil
	}
	return a.Publisher.Ping(ctx)
}

// Close releases the clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
