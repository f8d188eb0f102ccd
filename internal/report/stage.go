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

// Package report renders the per-message PDF report, uploads it to the
// output bucket and records it in the tenant's listings.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/enrich"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/index"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/objectstore"
	"github.com/bcem/mailpipe/internal/outcome"
)

// ErrNoBucket is returned when neither the configuration nor the payload
// names an output bucket.
var ErrNoBucket = errors.New("no output bucket configured and no s3.bucket in payload")

// Store is the object store subset used by the report stage.
type Store interface {
	index.Store
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Stats summarises the analysis shown on the report.
type Stats struct {
	SummaryLen    int    `json:"summary_len"`
	EntitiesCount int    `json:"entities_count"`
	Intent        string `json:"intent"`
	Priority      string `json:"priority"`
}

// IndexStatus reports the listing update.
type IndexStatus struct {
	RollingKey string `json:"rolling_key,omitempty"`
	DailyKey   string `json:"daily_key,omitempty"`
	Updated    bool   `json:"updated"`
	Error      string `json:"error,omitempty"`
}

// Result is the output of the report stage.
type Result struct {
	OK            bool            `json:"ok"`
	TenantID      string          `json:"tenantId"`
	Bucket        string          `json:"bucket"`
	Key           string          `json:"key"`
	Bytes         int             `json:"bytes"`
	S3URL         string          `json:"s3_url"`
	CFURL         string          `json:"cf_url,omitempty"`
	Document      models.FileRef  `json:"document"`
	Meta          models.Meta     `json:"meta"`
	Analysis      models.Analysis `json:"analysis"`
	AnalysisStats Stats           `json:"analysis_stats"`
	Index         IndexStatus     `json:"index"`
}

type request struct {
	TenantID models.Text          `json:"tenantId"`
	Meta     models.Meta          `json:"meta"`
	Analysis models.AnalysisBlock `json:"analysis"`
	S3       json.RawMessage      `json:"s3"`
}

// Stage implements the report stage.
type Stage struct {
	cfg     config.ReportConfig
	store   Store
	indexes *index.Updater
	now     func() time.Time
}

// NewStage creates the report stage.
func NewStage(cfg config.ReportConfig, store Store) *Stage {
	return &Stage{
		cfg:     cfg,
		store:   store,
		indexes: index.NewUpdater(store, cfg.RollingLimit),
		now:     time.Now,
	}
}

// Handle renders, uploads and indexes the report for one message.
func (s *Stage) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var req request
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, err
	}
	tenant := req.TenantID.String()
	if tenant == "" {
		tenant = "unknown"
	}
	meta := req.Meta
	analysis := req.Analysis.Analysis

	now := s.now().UTC()
	dir := s.dir(tenant)
	key := path.Join(dir, now.Format("2006/01/02"), fmt.Sprintf("%d_%s.pdf", now.UnixMilli(), safeName(meta.Subject)))

	bucket := s.cfg.OutputBucket
	if bucket == "" {
		bucket = payloadBucket(req.S3)
	}
	keys := map[string]string{"bucket": bucket, "key": key}
	if bucket == "" {
		return nil, outcome.Annotate(ErrNoBucket, tenant, "no_bucket", keys)
	}

	pdf, err := Render(s.document(tenant, meta, analysis), s.cfg.WrapWidth)
	if err != nil {
		return nil, outcome.Annotate(err, tenant, "render_failed", keys)
	}

	err = s.store.Put(ctx, objectstore.PutInput{
		Bucket:      bucket,
		Key:         key,
		Body:        pdf,
		ContentType: "application/pdf",
		KMSKeyID:    s.cfg.KMSKeyID,
	})
	if err != nil {
		return nil, outcome.Annotate(fmt.Errorf("upload report: %w", err), tenant, "upload_failed", keys)
	}
	slog.Info("report uploaded", "tenant", tenant, "bucket", bucket, "key", key, "bytes", len(pdf))

	res := &Result{
		OK:       true,
		TenantID: tenant,
		Bucket:   bucket,
		Key:      key,
		Bytes:    len(pdf),
		S3URL:    objectstore.URL(bucket, key),
		CFURL:    s.cdnURL(key),
		Meta:     meta.Headline(),
		Analysis: analysis,
		AnalysisStats: Stats{
			SummaryLen:    len([]rune(analysis.Summary)),
			EntitiesCount: len(analysis.Entities),
			Intent:        analysis.Intent,
			Priority:      analysis.Priority,
		},
	}
	res.Document = models.FileRef{
		Bucket:   bucket,
		Key:      key,
		Filename: objectstore.Basename(key),
		Bytes:    int64(len(pdf)),
		S3URL:    res.S3URL,
		CFURL:    res.CFURL,
		URL:      firstNonEmpty(res.CFURL, res.S3URL),
	}
	res.Index = s.updateIndex(ctx, tenant, bucket, dir, key, len(pdf), now)
	return res, nil
}

func (s *Stage) document(tenant string, meta models.Meta, a models.Analysis) Document {
	fields := []Field{
		{"Tenant", tenant},
		{"Subject", meta.Subject},
		{"From", meta.From},
		{"To", meta.To},
		{"CC", meta.CC},
		{"Summary", a.Summary},
		{"Intent", a.Intent},
		{"Priority", a.Priority},
	}
	if ents := a.EntityTexts(); len(ents) > 0 {
		fields = append(fields, Field{"Entities", strings.Join(ents, ", ")})
	}
	body := strings.TrimSpace(meta.Text)
	if body == "" {
		body = a.Summary
	}
	return Document{
		Title:  meta.Subject,
		Fields: fields,
		Body:   enrich.Truncate(body, s.cfg.MaxTextLen),
	}
}

// updateIndex is best effort: a failure is logged and reported, never
// returned.
func (s *Stage) updateIndex(ctx context.Context, tenant, bucket, dir, key string, size int, now time.Time) IndexStatus {
	link := s.cdnURL(key)
	if s.cfg.UsePresigned {
		signed, err := s.store.PresignGet(ctx, bucket, key, s.cfg.PresignExpiry)
		if err != nil {
			slog.Warn("presign failed, using CDN URL", "tenant", tenant, "key", key, "error", err)
		} else {
			link = signed
		}
	}

	item := index.Item{
		Title:       objectstore.Basename(key),
		S3Key:       key,
		URL:         link,
		Size:        int64(size),
		ContentType: "application/pdf",
		CreatedAt:   now.Format("2006-01-02T15:04:05.000Z"),
	}
	keys, err := s.indexes.Add(ctx, bucket, dir, item, now)
	status := IndexStatus{RollingKey: keys.Rolling, DailyKey: keys.Daily, Updated: err == nil}
	if err != nil {
		slog.Error("index update failed", "tenant", tenant, "bucket", bucket, "key", key, "error", err)
		status.Error = enrich.Truncate(err.Error(), 200)
	}
	return status
}

// dir is the tenant's report folder: [root/]tenants/{tenant}/{subfolder}.
func (s *Stage) dir(tenant string) string {
	parts := make([]string, 0, 4)
	if root := strings.Trim(s.cfg.RootPrefix, "/"); root != "" {
		parts = append(parts, root)
	}
	parts = append(parts, "tenants", tenantSegment(tenant), s.cfg.Subfolder)
	return strings.Join(parts, "/")
}

func (s *Stage) cdnURL(key string) string {
	if s.cfg.CDNDomain == "" {
		return ""
	}
	return "https://" + s.cfg.CDNDomain + "/" + key
}

// safeName keeps letters, digits, '-' and '_', at most 60 of them.
func safeName(subject string) string {
	var b strings.Builder
	n := 0
	for _, r := range subject {
		if n == 60 {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
			n++
		}
	}
	if b.Len() == 0 {
		return "email"
	}
	return b.String()
}

// tenantSegment makes tenant safe as one key segment. Characters other
// than letters, digits, '-', '_' and '.' become '_'.
func tenantSegment(tenant string) string {
	seg := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, tenant)
	if strings.Trim(seg, ".") == "" {
		return "unknown"
	}
	return seg
}

func payloadBucket(raw json.RawMessage) string {
	var ref struct {
		Bucket models.Text `json:"bucket"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &ref)
	}
	return ref.Bucket.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
