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

// Package tenant maps a recipient address to the tenant that owns it.
//
// The lookup runs as the directory user against the tenant directory. Any
// follow-up read of tenant data opens a second connection as the tenant's
// own database user with the tenant schema on the search path.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/envelope"
	"github.com/bcem/mailpipe/internal/models"
	"github.com/bcem/mailpipe/internal/outcome"
	"github.com/bcem/mailpipe/internal/tenantdb"
)

// ErrNotFound is returned by Lookup when no tenant owns the address.
var ErrNotFound = errors.New("tenant not found")

// Reason explains an unresolved lookup.
type Reason string

const (
	ReasonEmailMissing     Reason = "email_missing"
	ReasonDirectoryConnect Reason = "meta_connect_error"
	ReasonNotFound         Reason = "tenant_not_found"
	ReasonTenantConnect    Reason = "tenant_connect_error"
)

// IsolationMode is reported with every successful resolution.
const IsolationMode = "strict_isolation"

const lookupQuery = `SELECT tenant_id, email FROM tenants WHERE LOWER(email) = $1 LIMIT 1`

const countUsersQuery = `SELECT COUNT(*) FROM users`

// User is the directory entry that matched.
type User struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Resolution is the result of the resolve-tenant stage.
type Resolution struct {
	TenantID  string          `json:"tenant_id"`
	Schema    string          `json:"schema,omitempty"`
	UserCount *int            `json:"user_count,omitempty"`
	User      *User           `json:"user,omitempty"`
	Routing   *models.Routing `json:"routing,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Reason    Reason          `json:"reason,omitempty"`
}

// Found reports whether a tenant was resolved.
func (r Resolution) Found() bool { return r.Reason == "" }

// Resolver looks up tenants and their routing hints.
type Resolver struct {
	connector tenantdb.Connector
	directory tenantdb.Identity
	naming    tenantdb.Naming
	tenancy   config.TenancyConfig
}

// NewResolver creates a resolver that reaches the directory with the
// configured directory user.
func NewResolver(connector tenantdb.Connector, dir config.DirectoryConfig, tenancy config.TenancyConfig) *Resolver {
	return &Resolver{
		connector: connector,
		directory: tenantdb.Identity{User: dir.DirectoryUser, Schema: dir.DirectorySchema},
		naming:    tenantdb.NewNaming(tenancy),
		tenancy:   tenancy,
	}
}

// NormalizeEmail trims and lowercases an address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Lookup returns the tenant ID and stored address owning email.
func (r *Resolver) Lookup(ctx context.Context, db *sql.DB, email string) (string, string, error) {
	var tenantID, stored string
	err := db.QueryRowContext(ctx, lookupQuery, NormalizeEmail(email)).Scan(&tenantID, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("query tenant directory: %w", err)
	}
	return tenantID, stored, nil
}

// Resolve maps email to its tenant. Expected misses are reported through
// Resolution.Reason; an error means a query failed after connecting.
func (r *Resolver) Resolve(ctx context.Context, email string) (Resolution, error) {
	email = NormalizeEmail(email)
	if email == "" {
		slog.Warn("no email address in event")
		return unresolved(ReasonEmailMissing), nil
	}

	dir, err := r.connector.Open(ctx, r.directory)
	if err != nil {
		slog.Error("directory connection failed", "error", err)
		return unresolved(ReasonDirectoryConnect), nil
	}
	tenantID, stored, err := r.Lookup(ctx, dir, email)
	dir.Close()
	if errors.Is(err, ErrNotFound) {
		slog.Warn("no tenant for address", "email", email)
		return unresolved(ReasonNotFound), nil
	}
	if err != nil {
		return Resolution{}, err
	}

	id, err := r.naming.Tenant(tenantID)
	if err != nil {
		return Resolution{}, outcome.Annotate(err, tenantID, "invalid_tenant", nil)
	}

	count, err := r.countUsers(ctx, id)
	if err != nil {
		var connErr *connectError
		if errors.As(err, &connErr) {
			slog.Error("tenant connection failed", "tenant", tenantID, "error", err)
			return Resolution{TenantID: tenantID, Schema: id.Schema, Reason: ReasonTenantConnect}, nil
		}
		return Resolution{}, outcome.Annotate(err, tenantID, "tenant_query_failed", nil)
	}

	slog.Info("tenant resolved", "tenant", tenantID, "schema", id.Schema, "users", count)
	return Resolution{
		TenantID:  tenantID,
		Schema:    id.Schema,
		UserCount: &count,
		User:      &User{Email: stored},
		Routing:   r.routing(tenantID),
		Mode:      IsolationMode,
	}, nil
}

type connectError struct{ err error }

func (e *connectError) Error() string { return e.err.Error() }
func (e *connectError) Unwrap() error { return e.err }

// countUsers runs on a dedicated connection as the tenant user.
func (r *Resolver) countUsers(ctx context.Context, id tenantdb.Identity) (int, error) {
	db, err := r.connector.Open(ctx, id)
	if err != nil {
		return 0, &connectError{err: err}
	}
	defer db.Close()

	var n int
	if err := db.QueryRowContext(ctx, countUsersQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users in %s: %w", id.Schema, err)
	}
	return n, nil
}

func (r *Resolver) routing(tenantID string) *models.Routing {
	return &models.Routing{
		S3Bucket:        r.tenancy.IngestBucket,
		S3Prefix:        strings.ReplaceAll(r.tenancy.S3PrefixTemplate, "{tenant_id}", tenantID),
		SESIdentityHint: r.tenancy.SESIdentityPrefix + tenantID,
	}
}

func unresolved(reason Reason) Resolution {
	return Resolution{TenantID: "unknown", Reason: reason}
}

// Stage is the resolve-tenant pipeline stage.
type Stage struct {
	resolver *Resolver
}

// NewStage wraps a resolver as a pipeline stage.
func NewStage(resolver *Resolver) *Stage {
	return &Stage{resolver: resolver}
}

type request struct {
	Email models.Text `json:"email"`
	Body  models.Text `json:"body"`
}

// Handle resolves the tenant of the address carried by the event.
func (s *Stage) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var req request
	if err := envelope.Decode(raw, &req); err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, emailFrom(req))
}

// emailFrom reads the address from the event or from a JSON request body.
func emailFrom(req request) string {
	if e := req.Email.String(); e != "" {
		return e
	}
	if req.Body.String() == "" {
		return ""
	}
	var body request
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return ""
	}
	return body.Email.String()
}
