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

// Package notify builds the client-facing events emitted once a report
// exists: the file notification and the distribution envelope.
package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/models"
)

// fileFields is the tolerant form of a file or document reference.
type fileFields struct {
	Bucket   models.Text     `json:"bucket"`
	Key      models.Text     `json:"key"`
	S3Key    models.Text     `json:"s3_key"`
	Filename models.Text     `json:"filename"`
	S3URL    models.Text     `json:"s3_url"`
	CFURL    models.Text     `json:"cf_url"`
	URL      models.Text     `json:"url"`
	Bytes    json.RawMessage `json:"bytes"`
}

func (f fileFields) ref() models.FileRef {
	key := f.Key.String()
	if key == "" {
		key = f.S3Key.String()
	}
	return models.FileRef{
		Bucket:   f.Bucket.String(),
		Key:      key,
		Filename: f.Filename.String(),
		Bytes:    parseBytes(f.Bytes),
		S3URL:    f.S3URL.String(),
		CFURL:    f.CFURL.String(),
		URL:      f.URL.String(),
	}
}

func (f fileFields) empty() bool {
	r := f.ref()
	return r.Bucket == "" && r.Key == "" && r.S3URL == "" && r.CFURL == "" && r.URL == ""
}

// parseBytes accepts a JSON number or numeric string.
func parseBytes(raw json.RawMessage) int64 {
	var t models.Text
	if len(raw) == 0 || json.Unmarshal(raw, &t) != nil {
		return 0
	}
	n, err := strconv.ParseFloat(t.String(), 64)
	if err != nil || n < 0 {
		return 0
	}
	return int64(n)
}

// Notification is the file-available event.
type Notification struct {
	TenantID  string          `json:"tenantId"`
	UserID    string          `json:"userID"`
	Status    string          `json:"status"`
	Filename  string          `json:"filename"`
	Document  Document        `json:"document"`
	Meta      models.Meta     `json:"meta"`
	Analysis  json.RawMessage `json:"analysis"`
	EmittedAt int64           `json:"emittedAt"`
}

// Document locates the report in a notification.
type Document struct {
	URL    string `json:"url"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	S3URL  string `json:"s3_url,omitempty"`
	CFURL  string `json:"cf_url,omitempty"`
	Bytes  int64  `json:"bytes,omitempty"`
}

type notifyRequest struct {
	TenantID   models.Text     `json:"tenantId"`
	UserID     models.Text     `json:"userID"`
	Filename   models.Text     `json:"filename"`
	File       fileFields      `json:"file"`
	Enrichment enrichment      `json:"enrichment"`
	Meta       models.Meta     `json:"meta"`
	Analysis   json.RawMessage `json:"analysis"`
	fileFields
}

type enrichment struct {
	Document fileFields `json:"document"`
}

// Builder implements the notify stage.
type Builder struct {
	cfg config.NotifyConfig
	now func() time.Time
}

// NewBuilder creates the notify stage.
func NewBuilder(cfg config.NotifyConfig) *Builder {
	return &Builder{cfg: cfg, now: time.Now}
}

// Handle builds the notification for a rendered report.
func (b *Builder) Handle(_ context.Context, raw json.RawMessage) (any, error) {
	var req notifyRequest
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, err
	}

	doc := req.File
	if doc.empty() {
		doc = req.Enrichment.Document
	}
	if doc.empty() {
		doc = req.fileFields
	}
	ref := doc.ref()

	status := b.cfg.DefaultStatus
	if status == "" {
		status = "available"
	}

	return &Notification{
		TenantID: orUnknown(req.TenantID.String()),
		UserID:   orUnknown(firstNonEmpty(req.UserID.String(), req.Meta.UserID)),
		Status:   status,
		Filename: filename(req.Filename.String(), ref.Key),
		Document: Document{
			URL:    firstNonEmpty(ref.CFURL, ref.URL, ref.S3URL),
			Bucket: ref.Bucket,
			Key:    ref.Key,
			S3URL:  ref.S3URL,
			CFURL:  ref.CFURL,
			Bytes:  ref.Bytes,
		},
		Meta:      req.Meta.Headline(),
		Analysis:  analysisObject(req.Analysis),
		EmittedAt: b.now().UnixMilli(),
	}, nil
}

// analysisObject returns the bedrock sub-object when present, else the
// analysis value itself.
func analysisObject(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil || obj == nil {
		return json.RawMessage(`{}`)
	}
	if inner, ok := obj["bedrock"]; ok {
		var probe map[string]json.RawMessage
		if json.Unmarshal(inner, &probe) == nil && probe != nil {
			return inner
		}
	}
	return raw
}

func filename(explicit, key string) string {
	if explicit != "" {
		return explicit
	}
	if key != "" {
		return key[strings.LastIndex(key, "/")+1:]
	}
	return "document.pdf"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
