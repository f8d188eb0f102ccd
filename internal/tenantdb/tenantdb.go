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

// Package tenantdb opens short-lived database connections under a specific
// identity. The tenant directory and every tenant schema are reached with
// separate credentials; a connection opened for one tenant never serves
// another.
package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bcem/mailpipe/internal/config"
)

// ErrInvalidTenant is returned for tenant IDs that cannot form a schema or
// user name.
var ErrInvalidTenant = errors.New("invalid tenant id")

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// Identity is the database user and schema a connection runs as.
type Identity struct {
	User   string
	Schema string
}

// Connector opens a dedicated connection for one identity. Callers close
// the returned handle when their operation completes.
type Connector interface {
	Open(ctx context.Context, id Identity) (*sql.DB, error)
}

// Naming derives tenant identities from a tenant ID.
type Naming struct {
	SchemaPrefix string
	UserTemplate string
}

// NewNaming builds a Naming from configuration.
func NewNaming(cfg config.TenancyConfig) Naming {
	return Naming{SchemaPrefix: cfg.SchemaPrefix, UserTemplate: cfg.UserTemplate}
}

// Tenant returns the identity of a tenant's application user.
func (n Naming) Tenant(tenantID string) (Identity, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return Identity{
		User:   strings.ReplaceAll(n.UserTemplate, "{tenant_id}", tenantID),
		Schema: n.SchemaPrefix + tenantID,
	}, nil
}

// Schema returns the schema name of a tenant without validating it.
func (n Naming) Schema(tenantID string) string {
	return n.SchemaPrefix + tenantID
}

// TokenSource issues short-lived database passwords.
type TokenSource interface {
	Token(ctx context.Context, endpoint, user string) (string, error)
}

// IAMTokens issues RDS IAM authentication tokens.
type IAMTokens struct {
	Region      string
	Credentials aws.CredentialsProvider
}

// Token builds a signed auth token for user at endpoint (host:port).
func (t IAMTokens) Token(ctx context.Context, endpoint, user string) (string, error) {
	token, err := auth.BuildAuthToken(ctx, endpoint, t.Region, user, t.Credentials)
	if err != nil {
		return "", fmt.Errorf("build auth token for %s: %w", user, err)
	}
	return token, nil
}

// PGConnector opens PostgreSQL connections over TLS with per-call tokens.
type PGConnector struct {
	cfg    config.DirectoryConfig
	tokens TokenSource
}

// NewPGConnector creates a connector for the configured database.
func NewPGConnector(cfg config.DirectoryConfig, tokens TokenSource) *PGConnector {
	return &PGConnector{cfg: cfg, tokens: tokens}
}

// password returns the static password configured for id.User, or an IAM
// token for that user when there is none.
func (c *PGConnector) password(ctx context.Context, id Identity) (string, error) {
	if pw, ok := c.cfg.StaticPasswords[id.User]; ok && pw != "" {
		return pw, nil
	}
	if c.tokens == nil {
		return "", fmt.Errorf("no credential for %s", id.User)
	}
	return c.tokens.Token(ctx, c.endpoint(), id.User)
}

// Open connects as id, verifies the connection and returns a handle limited
// to a single underlying connection.
func (c *PGConnector) Open(ctx context.Context, id Identity) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(c.dsn())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	password, err := c.password(ctx, id)
	if err != nil {
		return nil, err
	}

	connCfg.User = id.User
	connCfg.Password = password
	connCfg.ConnectTimeout = c.cfg.ConnectTimeout
	if id.Schema != "" {
		connCfg.RuntimeParams["search_path"] = id.Schema
	}
	if c.cfg.StatementTimeout > 0 {
		connCfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.cfg.StatementTimeout.Milliseconds(), 10)
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(1)

	pingCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect as %s: %w", id.User, err)
	}
	return db, nil
}

func (c *PGConnector) endpoint() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// dsn builds the connection URL without credentials. TLS is verified
// against the CA bundle when one is configured.
func (c *PGConnector) dsn() string {
	q := url.Values{}
	if c.cfg.CABundle != "" {
		q.Set("sslmode", "verify-full")
		q.Set("sslrootcert", c.cfg.CABundle)
	} else {
		q.Set("sslmode", "prefer")
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     c.endpoint(),
		Path:     "/" + c.cfg.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}
