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

// Package router handles the two entry points around the workflow: it starts
// a workflow run for every new inbound object, and once the tenant is known
// it moves the object under the tenant's prefix.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/bcem/mailpipe/internal/dedup"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/mailparse"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/objectstore"
	"github.com/bcem/mailpipe/internal/outcome"
	"github.com/bcem/mailpipe/internal/workflow"
)

// Statuses reported by the route stage.
const (
	StatusMoved          = "moved"
	StatusAlreadyPresent = "already_present"
	StatusMissingFields  = "missing_fields"
	StatusStarted        = "started"
	StatusDuplicate      = "duplicate"
	StatusNoRecipient    = "no_recipient"

	WarnSourceDeleteFailed = "source_delete_failed"
)

// ObjectStore is the subset of the object store used by the router.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error)
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Starter starts a workflow run.
type Starter interface {
	Start(ctx context.Context, input any) (workflow.Execution, error)
}

// EventFilter suppresses duplicate object events.
type EventFilter interface {
	IsNew(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Router implements the route stage.
type Router struct {
	store   ObjectStore
	starter Starter
	filter  EventFilter
}

// New creates a router. filter may be nil to disable event dedup.
func New(store ObjectStore, starter Starter, filter EventFilter) *Router {
	return &Router{store: store, starter: starter, filter: filter}
}

// MoveResult reports a move. Key and NewKey both hold the key actually
// written so the result can feed the next stage directly.
type MoveResult struct {
	Status    string          `json:"status"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Tenant    string          `json:"tenantId,omitempty"`
	Bucket    string          `json:"bucket,omitempty"`
	Key       string          `json:"key,omitempty"`
	SourceKey string          `json:"source_key,omitempty"`
	NewKey    string          `json:"new_key,omitempty"`
	Routing   *models.Routing `json:"routing,omitempty"`
	Warning   string          `json:"warning,omitempty"`
}

// StartResult reports an object-created event.
type StartResult struct {
	Status       string `json:"status"`
	Bucket       string `json:"bucket,omitempty"`
	Key          string `json:"key,omitempty"`
	Email        string `json:"email,omitempty"`
	ExecutionARN string `json:"executionArn,omitempty"`
}

// WorkflowInput is the document a workflow run starts with.
type WorkflowInput struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Email  string `json:"email"`
}

// Destination returns the key an object is moved to: the tenant prefix
// followed by the object's base name.
func Destination(key, tenantID string, routing *models.Routing) string {
	prefix := tenantID + "/emails/"
	if routing != nil && routing.S3Prefix != "" {
		prefix = routing.S3Prefix
	}
	return prefix + path.Base(key)
}

// Move relocates bucket/key under the tenant prefix. A destination that
// already exists is left untouched.
func (r *Router) Move(ctx context.Context, bucket, key, tenantID string, routing *models.Routing) (MoveResult, error) {
	if bucket == "" || key == "" || tenantID == "" {
		slog.Warn("move request missing fields", "bucket", bucket, "key", key, "tenant", tenantID)
		return MoveResult{Status: StatusMissingFields}, nil
	}

	dest := Destination(key, tenantID, routing)
	res := MoveResult{
		TenantID:  tenantID,
		Tenant:    tenantID,
		Bucket:    bucket,
		Key:       dest,
		SourceKey: key,
		NewKey:    dest,
		Routing:   routing,
	}
	keys := map[string]string{"bucket": bucket, "key": key, "new_key": dest}

	_, err := r.store.Head(ctx, bucket, dest)
	switch {
	case err == nil:
		slog.Info("destination already present", "tenant", tenantID, "bucket", bucket, "key", dest)
		res.Status = StatusAlreadyPresent
		return res, nil
	case !errors.Is(err, objectstore.ErrNotFound):
		return MoveResult{}, outcome.Annotate(err, tenantID, "head_failed", keys)
	}

	if err := r.store.Copy(ctx, bucket, key, dest); err != nil {
		return MoveResult{}, outcome.Annotate(err, tenantID, "copy_failed", keys)
	}
	if err := r.store.Delete(ctx, bucket, key); err != nil {
		slog.Error("source delete failed after copy",
			"tenant", tenantID, "bucket", bucket, "key", key, "new_key", dest, "error", err)
		res.Warning = WarnSourceDeleteFailed
	}

	slog.Info("object moved", "tenant", tenantID, "bucket", bucket, "key", key, "new_key", dest)
	res.Status = StatusMoved
	return res, nil
}

// Start launches a workflow run for a new inbound object.
func (r *Router) Start(ctx context.Context, bucket, key string) (StartResult, error) {
	if bucket == "" || key == "" {
		slog.Warn("object event missing bucket or key")
		return StartResult{Status: StatusMissingFields}, nil
	}
	res := StartResult{Bucket: bucket, Key: key}
	keys := map[string]string{"bucket": bucket, "key": key}

	eventID := dedup.EventID(bucket, key)
	if r.filter != nil {
		isNew, err := r.filter.IsNew(ctx, eventID)
		if err != nil {
			slog.Warn("dedup check failed, continuing", "bucket", bucket, "key", key, "error", err)
		} else if !isNew {
			slog.Info("duplicate object event", "bucket", bucket, "key", key)
			res.Status = StatusDuplicate
			return res, nil
		}
	}

	execution, err := r.start(ctx, bucket, key, &res)
	if err != nil {
		r.forget(ctx, eventID)
		return StartResult{}, outcome.Annotate(err, "", "start_failed", keys)
	}
	if res.Status == StatusNoRecipient {
		return res, nil
	}

	res.Status = StatusStarted
	res.ExecutionARN = execution.ARN
	return res, nil
}

func (r *Router) start(ctx context.Context, bucket, key string, res *StartResult) (workflow.Execution, error) {
	raw, err := r.store.Get(ctx, bucket, key)
	if err != nil {
		return workflow.Execution{}, fmt.Errorf("load message: %w", err)
	}
	recipient, err := mailparse.FirstRecipient(raw)
	if err != nil {
		return workflow.Execution{}, err
	}
	if recipient == "" {
		slog.Warn("no recipient in message", "bucket", bucket, "key", key)
		res.Status = StatusNoRecipient
		return workflow.Execution{}, nil
	}
	res.Email = recipient

	return r.starter.Start(ctx, WorkflowInput{Bucket: bucket, Key: key, Email: recipient})
}

func (r *Router) forget(ctx context.Context, eventID string) {
	if r.filter == nil {
		return
	}
	if err := r.filter.Forget(ctx, eventID); err != nil {
		slog.Warn("failed to clear dedup key", "event", eventID, "error", err)
	}
}

// Stage is the route pipeline stage.
type Stage struct {
	router *Router
}

// NewStage wraps a router as a pipeline stage.
func NewStage(router *Router) *Stage {
	return &Stage{router: router}
}

// request covers both input shapes. In move mode bucket is a string; in
// an object-created event it is {"name": ...} and the key sits in object.
type request struct {
	Mode     string          `json:"mode"`
	Bucket   bucketField     `json:"bucket"`
	Key      models.Text     `json:"key"`
	Object   objectField     `json:"object"`
	TenantID models.Text     `json:"tenantId"`
	Routing  *models.Routing `json:"routing"`
}

type objectField struct {
	Key models.Text `json:"key"`
}

type bucketField string

// UnmarshalJSON accepts a bucket name or an object with a name.
func (b *bucketField) UnmarshalJSON(data []byte) error {
	var name string
	if json.Unmarshal(data, &name) == nil {
		*b = bucketField(name)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(data, &obj) == nil {
		*b = bucketField(obj.Name)
		return nil
	}
	*b = ""
	return nil
}

// Handle dispatches on mode: "move" relocates an object, anything else is
// treated as an object-created event.
func (s *Stage) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var req request
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, err
	}

	if req.Mode == "move" {
		return s.router.Move(ctx, string(req.Bucket), decodeKey(req.Key.String()), req.TenantID.String(), req.Routing)
	}

	key := req.Object.Key.String()
	if key == "" {
		key = req.Key.String()
	}
	return s.router.Start(ctx, string(req.Bucket), decodeKey(key))
}

// decodeKey reverses the form encoding S3 applies to keys in events.
func decodeKey(key string) string {
	if decoded, err := url.QueryUnescape(key); err == nil {
		return decoded
	}
	return key
}
