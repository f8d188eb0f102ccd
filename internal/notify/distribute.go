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

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/objectstore"
	"github.com/bcem/mailpipe/internal/outcome"
)

// Distribution warnings.
const (
	WarnMissingBucketOrKey = "missing_bucket_or_key"
	WarnPublishFailed      = "publish_failed"
	WarnTrimmedPayload     = "trimmed_payload"
)

// Publisher delivers the envelope to client channels.
type Publisher interface {
	Publish(ctx context.Context, clients []string, body any) ([]string, error)
}

// Sync is the delivery state carried with a distribution.
type Sync struct {
	Status      models.SyncStatus `json:"status"`
	DeliveredTo []string          `json:"deliveredTo"`
}

// Distribution is the output of the distribute stage.
type Distribution struct {
	OK            bool            `json:"ok"`
	TenantID      string          `json:"tenantId"`
	File          models.FileRef  `json:"file"`
	Meta          models.Meta     `json:"meta"`
	Analysis      models.Analysis `json:"analysis"`
	Clients       []string        `json:"clients"`
	Sync          Sync            `json:"sync"`
	DistributedAt int64           `json:"distributedAt"`
	Warnings      []string        `json:"warnings"`
}

// Trimmed replaces a Distribution whose encoding is too large.
type Trimmed struct {
	TenantID string      `json:"tenantId"`
	File     trimmedFile `json:"file"`
	Meta     models.Meta `json:"meta"`
	Analysis struct{}    `json:"analysis"`
	Warnings []string    `json:"warnings"`
}

type trimmedFile struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
}

// envelopeMessage is what subscribers receive.
type envelopeMessage struct {
	TenantID      string          `json:"tenantId"`
	File          models.FileRef  `json:"file"`
	Meta          models.Meta     `json:"meta"`
	Analysis      models.Analysis `json:"analysis"`
	Clients       []string        `json:"clients"`
	DistributedAt int64           `json:"distributedAt"`
}

type distributeRequest struct {
	TenantID models.Text          `json:"tenantId"`
	File     fileFields           `json:"file"`
	Meta     models.Meta          `json:"meta"`
	Analysis models.AnalysisBlock `json:"analysis"`
	Clients  clientList           `json:"clients"`
	fileFields
}

// clientList accepts an array of names or a comma-separated string.
type clientList []string

func (c *clientList) UnmarshalJSON(b []byte) error {
	*c = nil
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*c = append(*c, s)
			}
		}
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				*c = append(*c, strings.TrimSpace(s))
			}
		}
	}
	return nil
}

// Distributor implements the distribute stage. The publisher is optional.
type Distributor struct {
	cfg       config.DistributionConfig
	syncCfg   config.PersistenceConfig
	publisher Publisher
	now       func() time.Time
}

// NewDistributor creates the distribute stage. publisher may be nil.
func NewDistributor(cfg config.DistributionConfig, persist config.PersistenceConfig, publisher Publisher) *Distributor {
	return &Distributor{cfg: cfg, syncCfg: persist, publisher: publisher, now: time.Now}
}

// Handle builds, optionally publishes, and returns the distribution.
// In strict mode an error is a fault that stops the run.
func (d *Distributor) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var req distributeRequest
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, d.fail(err)
	}
	res, err := d.distribute(ctx, req)
	if err != nil {
		return nil, d.fail(err)
	}
	return res, nil
}

func (d *Distributor) fail(err error) error {
	if d.cfg.Strict {
		return outcome.Propagate(err)
	}
	return err
}

func (d *Distributor) distribute(ctx context.Context, req distributeRequest) (any, error) {
	top := req.fileFields.ref()
	nested := req.File.ref()
	file := models.FileRef{
		Bucket:   firstNonEmpty(top.Bucket, nested.Bucket),
		Key:      firstNonEmpty(top.Key, nested.Key),
		Filename: nested.Filename,
		Bytes:    top.Bytes,
		S3URL:    firstNonEmpty(top.S3URL, nested.S3URL),
		CFURL:    firstNonEmpty(top.CFURL, nested.CFURL),
	}
	if file.Bytes == 0 {
		file.Bytes = nested.Bytes
	}
	if file.Filename == "" && file.Key != "" {
		file.Filename = objectstore.Basename(file.Key)
	}
	if file.S3URL == "" && file.HasLocation() {
		file.S3URL = objectstore.URL(file.Bucket, file.Key)
	}

	warnings := []string{}
	if !file.HasLocation() {
		warnings = append(warnings, WarnMissingBucketOrKey)
	}

	clients := []string(req.Clients)
	if len(clients) == 0 {
		clients = d.cfg.DefaultClients
	}
	if len(clients) == 0 {
		clients = []string{"*"}
	}

	tenant := orUnknown(req.TenantID.String())
	analysis := req.Analysis.Analysis
	if analysis.Entities == nil {
		analysis.Entities = []models.Entity{}
	}
	msg := envelopeMessage{
		TenantID:      tenant,
		File:          file,
		Meta:          req.Meta.Headline(),
		Analysis:      analysis,
		Clients:       clients,
		DistributedAt: d.now().UnixMilli(),
	}

	sync := Sync{Status: models.SyncStatus(d.syncCfg.DefaultSyncStatus), DeliveredTo: clients}
	if !sync.Status.Valid() {
		sync.Status = models.SyncPending
	}
	out := &Distribution{
		OK:            true,
		TenantID:      tenant,
		File:          file,
		Meta:          msg.Meta,
		Analysis:      analysis,
		Clients:       clients,
		Sync:          sync,
		DistributedAt: msg.DistributedAt,
		Warnings:      warnings,
	}

	if d.publisher != nil && d.cfg.Publish {
		// Subscribers get the same cap as the stage result.
		var body any = msg
		capped, err := d.trim(out)
		if err != nil {
			return nil, err
		}
		if t, ok := capped.(*Trimmed); ok {
			body = t
		}
		delivered, err := d.publisher.Publish(ctx, clients, body)
		if err != nil {
			slog.Warn("distribution publish failed", "tenant", tenant, "key", file.Key, "error", err)
			out.Warnings = append(out.Warnings, WarnPublishFailed)
		} else {
			out.Sync.Status = models.SyncDispatched
			out.Sync.DeliveredTo = delivered
		}
	}
	return d.trim(out)
}

// trim replaces out with its minimal form when the encoding exceeds the
// configured limit.
func (d *Distributor) trim(out *Distribution) (any, error) {
	limit := d.cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = 200000
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode distribution: %w", err)
	}
	if len(encoded) <= limit {
		return out, nil
	}
	slog.Warn("distribution payload trimmed", "tenant", out.TenantID, "bytes", len(encoded), "limit", limit)
	warnings := make([]string, 0, len(out.Warnings)+1)
	warnings = append(warnings, out.Warnings...)
	return &Trimmed{
		TenantID: out.TenantID,
		File:     trimmedFile{Bucket: out.File.Bucket, Key: out.File.Key, Filename: out.File.Filename},
		Meta:     out.Meta,
		Warnings: append(warnings, WarnTrimmedPayload),
	}, nil
}
