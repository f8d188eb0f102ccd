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

package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/tenantdb"
)

// ErrNoMatchKey is returned for a status update without s3 key or filename.
var ErrNoMatchKey = errors.New("need file.s3_key or file.filename")

// ActionUpdateStatus selects the status update operation.
const ActionUpdateStatus = "update_status"

// Soft outcome reasons.
const (
	ReasonUnrecognized    = "unrecognized_payload"
	ReasonMissingFields   = "missing tenantId or new_status"
	ReasonNoRowMatched    = "no_row_matched"
	reasonConnectFailed   = "connect_failed"
	reasonUpdateFailed    = "update_failed"
	reasonInsertFailed    = "insert_failed"
	reasonInvalidStatus   = "invalid_status"
	reasonMissingMatchKey = "missing_match_key"
)

// DBInfo names where the record was written.
type DBInfo struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Status string `json:"status"`
}

// MatchKeys identifies the records of a status update.
type MatchKeys struct {
	S3Key    string `json:"s3_key"`
	Filename string `json:"filename"`
}

// Result is the output of the persist stage.
type Result struct {
	OK       bool            `json:"ok"`
	TenantID string          `json:"tenantId,omitempty"`
	Error    string          `json:"error,omitempty"`
	RowCount *int64          `json:"rowcount,omitempty"`
	DB       *DBInfo         `json:"db,omitempty"`
	File     any             `json:"file,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
	Sync     any             `json:"sync,omitempty"`
}

type request struct {
	Action    models.Text          `json:"action"`
	TenantID  models.Text          `json:"tenantId"`
	NewStatus models.Text          `json:"new_status"`
	File      json.RawMessage      `json:"file"`
	Meta      models.Meta          `json:"meta"`
	Analysis  models.AnalysisBlock `json:"analysis"`
	Sync      syncBlock            `json:"sync"`
}

type passthrough struct {
	File     json.RawMessage `json:"file"`
	Meta     json.RawMessage `json:"meta"`
	Analysis json.RawMessage `json:"analysis"`
	Sync     json.RawMessage `json:"sync"`
}

type syncBlock struct {
	Status      models.Text `json:"status"`
	DeliveredTo []string    `json:"deliveredTo"`
}

func (s *syncBlock) UnmarshalJSON(b []byte) error {
	var raw struct {
		Status      models.Text `json:"status"`
		DeliveredTo []any       `json:"deliveredTo"`
	}
	if json.Unmarshal(b, &raw) != nil {
		*s = syncBlock{}
		return nil
	}
	s.Status = raw.Status
	s.DeliveredTo = nil
	for _, v := range raw.DeliveredTo {
		if str, ok := v.(string); ok {
			s.DeliveredTo = append(s.DeliveredTo, str)
		}
	}
	return nil
}

var fileFieldNames = []string{"bucket", "key", "s3_key", "s3_url", "cf_url", "filename"}

// fileFields holds the string fields of the file block, by name.
type fileFields map[string]string

func parseFile(raw json.RawMessage) (fileFields, bool) {
	var obj map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil || obj == nil {
		return fileFields{}, false
	}
	f := fileFields{}
	has := false
	for _, name := range fileFieldNames {
		v, ok := obj[name]
		if !ok {
			continue
		}
		has = true
		switch x := v.(type) {
		case string:
			f[name] = strings.TrimSpace(x)
		case float64:
			f[name] = strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	if b, ok := obj["bytes"]; ok {
		switch x := b.(type) {
		case float64:
			f["bytes"] = strconv.FormatFloat(x, 'f', 0, 64)
		case string:
			f["bytes"] = strings.TrimSpace(x)
		}
	}
	return f, has
}

func (f fileFields) key() string {
	if f["s3_key"] != "" {
		return f["s3_key"]
	}
	return f["key"]
}

// Stage implements the persist stage.
type Stage struct {
	cfg       config.PersistenceConfig
	connector tenantdb.Connector
	naming    tenantdb.Naming
	now       func() time.Time
}

// NewStage creates the persist stage.
func NewStage(cfg config.PersistenceConfig, connector tenantdb.Connector, naming tenantdb.Naming) *Stage {
	return &Stage{cfg: cfg, connector: connector, naming: naming, now: time.Now}
}

// Handle inserts a sync record or updates the status of existing ones.
func (s *Stage) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var req request
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, err
	}
	var pass passthrough
	if err := envelope.Decode(raw, &pass); err != nil {
		return nil, err
	}

	file, hasFile := parseFile(req.File)
	tenant := req.TenantID.String()
	switch {
	case req.Action.String() == ActionUpdateStatus:
		return s.update(ctx, tenant, models.SyncStatus(req.NewStatus.String()), file), nil
	case req.Action.String() == "" && tenant != "" && (hasFile || req.Analysis.Present()):
		return s.insert(ctx, tenant, req, file, pass), nil
	}
	return &Result{OK: false, Error: ReasonUnrecognized}, nil
}

func (s *Stage) insert(ctx context.Context, tenant string, req request, file fileFields, pass passthrough) *Result {
	status := models.SyncStatus(req.Sync.Status.String())
	if status == "" {
		status = models.SyncStatus(s.cfg.DefaultSyncStatus)
	}
	if !status.Valid() {
		return &Result{OK: false, TenantID: tenant, Error: reasonInvalidStatus + ":" + string(status)}
	}

	id, err := s.naming.Tenant(tenant)
	if err != nil {
		return &Result{OK: false, TenantID: tenant, Error: failure(reasonConnectFailed, err)}
	}
	db, err := s.connector.Open(ctx, id)
	if err != nil {
		slog.Error("tenant connect failed", "stage", "persist", "tenant", tenant, "error", err)
		return &Result{OK: false, TenantID: tenant, Error: failure(reasonConnectFailed, err)}
	}
	defer db.Close()

	now := s.now().UnixMilli()
	size, _ := strconv.ParseInt(file["bytes"], 10, 64)
	a := req.Analysis.Analysis
	rec := models.SyncRecord{
		CreatedAt:        now,
		UpdatedAt:        now,
		TenantID:         tenant,
		Filename:         file["filename"],
		S3URL:            file["s3_url"],
		CFURL:            file["cf_url"],
		S3Bucket:         file["bucket"],
		S3Key:            file.key(),
		SizeBytes:        size,
		DeliveredTo:      req.Sync.DeliveredTo,
		SyncStatus:       status,
		MetaSubject:      req.Meta.Subject,
		MetaFrom:         req.Meta.From,
		MetaTo:           req.Meta.To,
		MetaCC:           req.Meta.CC,
		AnalysisSummary:  a.Summary,
		AnalysisIntent:   a.Intent,
		AnalysisPriority: a.Priority,
		AnalysisEntities: a.Entities,
	}

	store := NewStore(db, s.cfg.Table)
	if s.cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return &Result{OK: false, TenantID: tenant, Error: failure(reasonInsertFailed, err)}
		}
	}
	if err := store.Insert(ctx, rec); err != nil {
		slog.Error("sync record insert failed", "stage", "persist", "tenant", tenant, "key", rec.S3Key, "error", err)
		return &Result{OK: false, TenantID: tenant, Error: failure(reasonInsertFailed, err)}
	}
	slog.Info("sync record stored", "tenant", tenant, "key", rec.S3Key, "status", status)

	res := &Result{
		OK:       true,
		TenantID: tenant,
		DB:       &DBInfo{Schema: id.Schema, Table: s.cfg.Table, Status: "stored"},
		File:     orEmptyObject(pass.File),
		Meta:     orEmptyObject(pass.Meta),
		Analysis: orEmptyObject(pass.Analysis),
		Sync:     orEmptyObject(pass.Sync),
	}
	if len(pass.Sync) == 0 || string(pass.Sync) == "null" {
		res.Sync = map[string]string{"status": string(status)}
	}
	return res
}

func (s *Stage) update(ctx context.Context, tenant string, status models.SyncStatus, file fileFields) *Result {
	if tenant == "" || status == "" {
		return &Result{OK: false, Error: ReasonMissingFields}
	}
	if !status.Valid() {
		return &Result{OK: false, TenantID: tenant, Error: reasonInvalidStatus + ":" + string(status)}
	}
	keys := MatchKeys{S3Key: file.key(), Filename: file["filename"]}
	if keys.S3Key == "" && keys.Filename == "" {
		return &Result{OK: false, TenantID: tenant, Error: reasonMissingMatchKey, File: keys}
	}

	id, err := s.naming.Tenant(tenant)
	if err != nil {
		return &Result{OK: false, TenantID: tenant, Error: failure(reasonConnectFailed, err)}
	}
	db, err := s.connector.Open(ctx, id)
	if err != nil {
		slog.Error("tenant connect failed", "stage", "persist", "tenant", tenant, "error", err)
		return &Result{OK: false, TenantID: tenant, Error: failure(reasonConnectFailed, err)}
	}
	defer db.Close()

	n, err := NewStore(db, s.cfg.Table).UpdateStatus(ctx, tenant, status, keys.S3Key, keys.Filename, s.now().UnixMilli())
	if err != nil {
		slog.Error("sync status update failed", "stage", "persist", "tenant", tenant, "key", keys.S3Key, "error", err)
		return &Result{OK: false, TenantID: tenant, Error: failure(reasonUpdateFailed, err)}
	}
	if n == 0 {
		return &Result{OK: false, TenantID: tenant, Error: ReasonNoRowMatched, RowCount: &n, File: keys}
	}
	slog.Info("sync status updated", "tenant", tenant, "key", keys.S3Key, "status", status, "rows", n)
	return &Result{
		OK:       true,
		TenantID: tenant,
		RowCount: &n,
		Sync:     map[string]string{"status": string(status)},
		File:     keys,
		DB:       &DBInfo{Schema: id.Schema, Table: s.cfg.Table, Status: "updated"},
	}
}

// failure formats "reason: class: message" with class the Go type of the
// innermost error.
func failure(reason string, err error) string {
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	class := strings.TrimPrefix(fmt.Sprintf("%T", inner), "*")
	return fmt.Sprintf("%s: %s: %v", reason, class, err)
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}
