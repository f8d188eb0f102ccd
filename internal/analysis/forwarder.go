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

// Package analysis forwards a tenant's stored message to the external
// analysis service and passes the service's reply on to later stages.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/mailparse"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/outcome"
	"github.com/bcem/mailpipe/internal/preflight"
)

// ErrMissingFields is returned when tenant, bucket or key is absent.
var ErrMissingFields = errors.New("missing_fields")

const (
	healthPath     = "/health"
	replySampleLen = 2048
	maxReplyBytes  = 1 << 20
)

// ObjectReader loads raw messages.
type ObjectReader interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Prober checks that the analysis endpoint is reachable.
type Prober interface {
	Check(ctx context.Context, host string, port int, path, scheme string) preflight.Report
}

// Result is the output of the forward-analysis stage.
type Result struct {
	OK                 bool                 `json:"ok"`
	Stage              string               `json:"stage,omitempty"`
	HTTPStatus         int                  `json:"http_status,omitempty"`
	NLBHost            string               `json:"nlb_host"`
	Path               string               `json:"path"`
	ElapsedMS          int64                `json:"elapsed_ms"`
	TenantID           string               `json:"tenantId"`
	EmailSummary       *models.EmailSummary `json:"email_summary,omitempty"`
	ServiceReplySample string               `json:"service_reply_sample,omitempty"`
	Connectivity       *preflight.Report    `json:"connectivity,omitempty"`
	S3                 *models.S3Ref        `json:"s3,omitempty"`
	ReceivedAt         int64                `json:"receivedAt,omitempty"`
	Meta               *models.Meta         `json:"meta,omitempty"`
	Analysis           json.RawMessage      `json:"analysis,omitempty"`
}

// servicePayload is the document posted to the analysis service.
type servicePayload struct {
	TenantID   string       `json:"tenantId"`
	S3         models.S3Ref `json:"s3"`
	Email      emailPayload `json:"email"`
	ReceivedAt int64        `json:"receivedAt"`
}

type emailPayload struct {
	Meta      *models.Email `json:"meta"`
	RawBase64 string        `json:"raw_base64"`
}

// Forwarder implements the forward-analysis stage.
type Forwarder struct {
	store  ObjectReader
	prober Prober
	auth   *AuthResolver
	client *retryablehttp.Client
	cfg    config.AnalysisConfig
	now    func() time.Time
}

// NewForwarder creates a forwarder. cfg supplies the target defaults.
func NewForwarder(cfg config.AnalysisConfig, store ObjectReader, prober Prober, auth *AuthResolver, client *retryablehttp.Client) *Forwarder {
	return &Forwarder{
		store:  store,
		prober: prober,
		auth:   auth,
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

type request struct {
	TenantID models.Text     `json:"tenantId"`
	Bucket   models.Text     `json:"bucket"`
	Key      models.Text     `json:"key"`
	Routing  *models.Routing `json:"routing"`
}

// Handle forwards the message named by the event.
func (f *Forwarder) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var req request
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, err
	}
	return f.Forward(ctx, req.TenantID.String(), req.Bucket.String(), req.Key.String(), req.Routing)
}

// Forward checks connectivity, loads and parses the message, and posts it
// to the tenant's analysis endpoint.
func (f *Forwarder) Forward(ctx context.Context, tenantID, bucket, key string, routing *models.Routing) (*Result, error) {
	start := f.now()
	keys := map[string]string{"bucket": bucket, "key": key}

	if tenantID == "" || bucket == "" || key == "" {
		return nil, outcome.Annotate(ErrMissingFields, tenantID, "missing_fields", keys)
	}

	target, err := ResolveTarget(routing, f.cfg)
	if err != nil {
		return nil, outcome.Annotate(err, tenantID, "target_unresolved", keys)
	}
	headers := f.auth.Headers(ctx, tenantID, routing)

	report := f.prober.Check(ctx, target.Host, target.Port, healthPath, target.Scheme)
	if !report.Reachable() {
		slog.Warn("analysis endpoint unreachable", "tenant", tenantID, "host", target.HostPort())
		return &Result{
			OK:           false,
			Stage:        "preflight",
			NLBHost:      target.HostPort(),
			Path:         target.Path,
			TenantID:     tenantID,
			Connectivity: &report,
		}, nil
	}

	rawMsg, err := f.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, outcome.Annotate(err, tenantID, "load_failed", keys)
	}
	email, err := mailparse.Parse(rawMsg, bucket, key)
	if err != nil {
		return nil, outcome.Annotate(err, tenantID, "parse_failed", keys)
	}

	receivedAt := f.now().UnixMilli()
	payload := servicePayload{
		TenantID: tenantID,
		S3:       models.S3Ref{Bucket: bucket, Key: key},
		Email: emailPayload{
			Meta:      email,
			RawBase64: base64.StdEncoding.EncodeToString(rawMsg),
		},
		ReceivedAt: receivedAt,
	}

	status, body, err := f.post(ctx, target, headers, payload)
	if err != nil {
		return nil, outcome.Annotate(err, tenantID, "post_failed", keys)
	}

	summary := email.Summary()
	meta := email.Meta()
	res := &Result{
		OK:                 status >= 200 && status < 300,
		HTTPStatus:         status,
		NLBHost:            target.HostPort(),
		Path:               target.Path,
		ElapsedMS:          f.now().Sub(start).Milliseconds(),
		TenantID:           tenantID,
		EmailSummary:       &summary,
		ServiceReplySample: truncateRunes(string(body), replySampleLen),
		S3:                 &payload.S3,
		ReceivedAt:         receivedAt,
		Meta:               &meta,
		Analysis:           replyAnalysis(body),
	}

	slog.Info("message forwarded to analysis",
		"tenant", tenantID, "key", key, "status", status, "elapsed_ms", res.ElapsedMS)
	return res, nil
}

func (f *Forwarder) post(ctx context.Context, target Target, headers map[string]string, payload servicePayload) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", target.URL(), bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post to %s: %w", target.URL(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read reply: %w", err)
	}
	return resp.StatusCode, body, nil
}

// replyAnalysis returns the reply's "analysis" object, if it carries one.
func replyAnalysis(body []byte) json.RawMessage {
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil
	}
	a, ok := reply["analysis"]
	if !ok {
		return nil
	}
	var obj map[string]any
	if json.Unmarshal(a, &obj) != nil || obj == nil {
		return nil
	}
	return a
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
