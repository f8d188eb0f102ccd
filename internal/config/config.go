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

// Package config loads pipeline configuration from the environment, an
// optional .env file and an optional config.yaml overlay.
//
// Precedence: values named in config.yaml (after ${VAR} expansion) win over
// environment variables, which win over the defaults declared on the struct
// tags. The resulting Config is built once by main and passed to every stage.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrMissingRequired is returned by Validate when a setting needed by an
// enabled component is empty.
var ErrMissingRequired = errors.New("missing required configuration")

// Config holds all configuration for the pipeline service.
type Config struct {
	AWSRegion string `envconfig:"AWS_REGION" default:"eu-central-1" yaml:"aws_region"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`

	Server       ServerConfig       `envconfig:"SERVER" yaml:"server"`
	Storage      StorageConfig      `envconfig:"STORAGE" yaml:"storage"`
	Directory    DirectoryConfig    `envconfig:"DB" yaml:"directory"`
	Tenancy      TenancyConfig      `envconfig:"TENANCY" yaml:"tenancy"`
	Workflow     WorkflowConfig     `envconfig:"WORKFLOW" yaml:"workflow"`
	Analysis     AnalysisConfig     `envconfig:"ANALYSIS" yaml:"analysis"`
	Validation   ValidationConfig   `envconfig:"VALIDATION" yaml:"validation"`
	Embedding    EmbeddingConfig    `envconfig:"EMBED" yaml:"embedding"`
	Vector       VectorConfig       `envconfig:"WEAVIATE" yaml:"vector"`
	Report       ReportConfig       `envconfig:"REPORT" yaml:"report"`
	Notify       NotifyConfig       `envconfig:"NOTIFY" yaml:"notify"`
	Distribution DistributionConfig `envconfig:"DISTRIBUTION" yaml:"distribution"`
	Persistence  PersistenceConfig  `envconfig:"PERSIST" yaml:"persistence"`
	Redis        RedisConfig        `envconfig:"REDIS" yaml:"redis"`
}

// ServerConfig controls the HTTP stage server.
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080" yaml:"port"`
	StageTimeout    time.Duration `envconfig:"STAGE_TIMEOUT" default:"60s" yaml:"stage_timeout"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s" yaml:"shutdown_timeout"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Driver        string `envconfig:"DRIVER" default:"s3" yaml:"driver"` // "s3" or "memory"
	InboundBucket string `envconfig:"INBOUND_BUCKET" yaml:"inbound_bucket"`
	InboundPrefix string `envconfig:"INBOUND_PREFIX" default:"inbound/" yaml:"inbound_prefix"`
}

// DirectoryConfig describes the relational store shared by the tenant
// directory and the per-tenant schemas.
type DirectoryConfig struct {
	Host             string        `envconfig:"HOST" yaml:"host"`
	Port             int           `envconfig:"PORT" default:"5432" yaml:"port"`
	Database         string        `envconfig:"NAME" default:"mailpipe" yaml:"database"`
	DirectorySchema  string        `envconfig:"DIRECTORY_SCHEMA" default:"tenant_meta" yaml:"directory_schema"`
	DirectoryUser    string        `envconfig:"DIRECTORY_USER" default:"meta_app" yaml:"directory_user"`
	CABundle         string        `envconfig:"CA_BUNDLE" default:"/etc/ssl/rds/global-bundle.pem" yaml:"ca_bundle"`
	ConnectTimeout   time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s" yaml:"connect_timeout"`
	StatementTimeout time.Duration `envconfig:"STATEMENT_TIMEOUT" default:"5s" yaml:"statement_timeout"`

	// StaticPasswords maps a database user to its password, as
	// "user:secret,user2:secret2". Local development only; identities
	// without an entry connect with an IAM token.
	StaticPasswords map[string]string `envconfig:"STATIC_PASSWORDS" yaml:"static_passwords"`
}

// TenancyConfig derives per-tenant identities and routing hints.
type TenancyConfig struct {
	SchemaPrefix      string `envconfig:"SCHEMA_PREFIX" default:"tenant_" yaml:"schema_prefix"`
	UserTemplate      string `envconfig:"USER_TEMPLATE" default:"tenant_{tenant_id}_app" yaml:"user_template"`
	IngestBucket      string `envconfig:"INGEST_BUCKET" yaml:"ingest_bucket"`
	S3PrefixTemplate  string `envconfig:"S3_PREFIX_TEMPLATE" default:"tenants/{tenant_id}/emails/" yaml:"s3_prefix_template"`
	SESIdentityPrefix string `envconfig:"SES_IDENTITY_PREFIX" default:"tenant-" yaml:"ses_identity_prefix"`
}

// WorkflowConfig configures the orchestrator started for new objects.
type WorkflowConfig struct {
	StateMachineARN string        `envconfig:"STATE_MACHINE_ARN" yaml:"state_machine_arn"`
	DedupTTL        time.Duration `envconfig:"DEDUP_TTL" default:"24h" yaml:"dedup_ttl"`
}

// AnalysisConfig configures the analysis forwarder.
type AnalysisConfig struct {
	DefaultHost    string        `envconfig:"DEFAULT_HOST" yaml:"default_host"`
	DefaultPath    string        `envconfig:"DEFAULT_PATH" default:"/ingest/email" yaml:"default_path"`
	Scheme         string        `envconfig:"SCHEME" yaml:"scheme"`
	Port           int           `envconfig:"PORT" yaml:"port"`
	SecretName     string        `envconfig:"SECRET_NAME" yaml:"secret_name"`
	ParamPrefix    string        `envconfig:"PARAM_PREFIX" default:"/mailpipe/analysis" yaml:"param_prefix"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"30s" yaml:"read_timeout"`
	RetryMax       int           `envconfig:"RETRY_MAX" default:"3" yaml:"retry_max"`
	RetryWaitMin   time.Duration `envconfig:"RETRY_WAIT_MIN" default:"600ms" yaml:"retry_wait_min"`
	RetryWaitMax   time.Duration `envconfig:"RETRY_WAIT_MAX" default:"5s" yaml:"retry_wait_max"`
	ProbeTimeout   time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s" yaml:"probe_timeout"`

	// OAuth2 client-credentials fallback for services that want a bearer token.
	OAuthTokenURL     string   `envconfig:"OAUTH_TOKEN_URL" yaml:"oauth_token_url"`
	OAuthClientID     string   `envconfig:"OAUTH_CLIENT_ID" yaml:"oauth_client_id"`
	OAuthClientSecret string   `envconfig:"OAUTH_CLIENT_SECRET" yaml:"oauth_client_secret"`
	OAuthScopes       []string `envconfig:"OAUTH_SCOPES" yaml:"oauth_scopes"`
}

// ValidationConfig configures the validation and enrichment normalizer.
type ValidationConfig struct {
	Strict             bool     `envconfig:"STRICT" default:"false" yaml:"strict"`
	RequireAnalysis    bool     `envconfig:"REQUIRE_ANALYSIS" default:"false" yaml:"require_analysis"`
	TenantAllowlist    []string `envconfig:"TENANT_ALLOWLIST" yaml:"tenant_allowlist"`
	TenantBlocklist    []string `envconfig:"TENANT_BLOCKLIST" yaml:"tenant_blocklist"`
	RequiredMetaFields []string `envconfig:"REQUIRED_META_FIELDS" default:"subject,from,to,text" yaml:"required_meta_fields"`
	MaxTextLen         int      `envconfig:"MAX_TEXT_LEN" default:"20000" yaml:"max_text_len"`
}

// EmbeddingConfig configures the embedding stage and its providers.
type EmbeddingConfig struct {
	ModelID         string        `envconfig:"MODEL_ID" default:"amazon.titan-embed-text-v2:0" yaml:"model_id"`
	MaxSourceLen    int           `envconfig:"MAX_SOURCE_LEN" default:"5000" yaml:"max_source_len"`
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"7s" yaml:"timeout"`
	OpenAIAPIKey    string        `envconfig:"OPENAI_API_KEY" yaml:"openai_api_key"`
	GeminiAPIKey    string        `envconfig:"GEMINI_API_KEY" yaml:"gemini_api_key"`
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"5" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s" yaml:"breaker_timeout"`
}

// VectorConfig enables the optional Weaviate sink for embeddings.
type VectorConfig struct {
	Host   string `envconfig:"HOST" yaml:"host"`
	Scheme string `envconfig:"SCHEME" default:"http" yaml:"scheme"`
	Class  string `envconfig:"CLASS" default:"EmailEmbedding" yaml:"class"`
}

// ReportConfig configures PDF rendering, storage and indexing.
type ReportConfig struct {
	OutputBucket  string        `envconfig:"OUTPUT_BUCKET" yaml:"output_bucket"`
	RootPrefix    string        `envconfig:"ROOT_PREFIX" yaml:"root_prefix"`
	Subfolder     string        `envconfig:"SUBFOLDER" default:"KI_Results" yaml:"subfolder"`
	CDNDomain     string        `envconfig:"CDN_DOMAIN" yaml:"cdn_domain"`
	KMSKeyID      string        `envconfig:"KMS_KEY_ID" yaml:"kms_key_id"`
	UsePresigned  bool          `envconfig:"USE_PRESIGNED" default:"false" yaml:"use_presigned"`
	PresignExpiry time.Duration `envconfig:"PRESIGN_EXPIRY" default:"10m" yaml:"presign_expiry"`
	RollingLimit  int           `envconfig:"ROLLING_LIMIT" default:"200" yaml:"rolling_limit"`
	MaxTextLen    int           `envconfig:"MAX_TEXT_LEN" default:"20000" yaml:"max_text_len"`
	WrapWidth     int           `envconfig:"WRAP_WIDTH" default:"100" yaml:"wrap_width"`
}

// NotifyConfig configures the notification builder.
type NotifyConfig struct {
	DefaultStatus string `envconfig:"DEFAULT_STATUS" default:"available" yaml:"default_status"`
}

// DistributionConfig configures the distribution stage and its publisher.
type DistributionConfig struct {
	DefaultClients  []string `envconfig:"DEFAULT_CLIENTS" yaml:"default_clients"`
	MaxPayloadBytes int      `envconfig:"MAX_PAYLOAD_BYTES" default:"200000" yaml:"max_payload_bytes"`
	Strict          bool     `envconfig:"STRICT" default:"false" yaml:"strict"`
	Publish         bool     `envconfig:"PUBLISH" default:"false" yaml:"publish"`
	ChannelPrefix   string   `envconfig:"CHANNEL_PREFIX" default:"mailpipe:files:" yaml:"channel_prefix"`
}

// PersistenceConfig configures the sync-record store.
type PersistenceConfig struct {
	Table             string `envconfig:"TABLE" default:"file_sync" yaml:"table"`
	AutoMigrate       bool   `envconfig:"AUTO_MIGRATE" default:"false" yaml:"auto_migrate"`
	DefaultSyncStatus string `envconfig:"DEFAULT_SYNC_STATUS" default:"pending" yaml:"default_sync_status"`
}

// RedisConfig points at the Redis instance used for dedup and publishing.
// An empty URL disables both.
type RedisConfig struct {
	URL string `envconfig:"URL" yaml:"url"`
}

// Load reads configuration from .env, the environment and config.yaml.
// A missing config.yaml is not an error; a malformed one is.
func Load() (*Config, error) {
	// Ignore errors, the variables may already be set in the shell
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")
	if err := cfg.overlayFile(configPath); err != nil {
		return nil, err
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overlayFile applies the keys present in a YAML file on top of cfg.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}
	return nil
}

// normalize lowercases list settings that are compared case-insensitively
// and drops empty entries left by trailing commas.
func (c *Config) normalize() {
	c.Validation.TenantAllowlist = cleanList(c.Validation.TenantAllowlist, true)
	c.Validation.TenantBlocklist = cleanList(c.Validation.TenantBlocklist, true)
	c.Validation.RequiredMetaFields = cleanList(c.Validation.RequiredMetaFields, false)
	c.Distribution.DefaultClients = cleanList(c.Distribution.DefaultClients, false)
	c.Analysis.Scheme = strings.ToLower(strings.TrimSpace(c.Analysis.Scheme))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "s3", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Validation.MaxTextLen <= 0 {
		return fmt.Errorf("%w: VALIDATION_MAX_TEXT_LEN must be positive", ErrMissingRequired)
	}
	if c.Report.RollingLimit <= 0 {
		return fmt.Errorf("%w: REPORT_ROLLING_LIMIT must be positive", ErrMissingRequired)
	}
	if c.Distribution.MaxPayloadBytes <= 0 {
		return fmt.Errorf("%w: DISTRIBUTION_MAX_PAYLOAD_BYTES must be positive", ErrMissingRequired)
	}
	if c.Distribution.Publish && c.Redis.URL == "" {
		return fmt.Errorf("%w: REDIS_URL (distribution publishing is enabled)", ErrMissingRequired)
	}
	return nil
}

// RequireDirectory reports an error when the relational store is not
// configured. Stages that touch tenant data call it during wiring.
func (c *Config) RequireDirectory() error {
	if c.Directory.Host == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.Directory.DirectoryUser == "" {
		return fmt.Errorf("%w: DB_DIRECTORY_USER", ErrMissingRequired)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func cleanList(values []string, lower bool) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		out = append(out, v)
	}
	return out
}
