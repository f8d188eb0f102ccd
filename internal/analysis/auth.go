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

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/models"
)

// SecretGetter reads a named secret.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ParameterGetter reads a named, decrypted parameter.
type ParameterGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

var headerLine = regexp.MustCompile(`^\s*([^:]+?)\s*:\s*(.+?)\s*$`)

// AuthResolver determines the headers that authenticate a tenant's
// request to the analysis service.
type AuthResolver struct {
	secrets     SecretGetter
	params      ParameterGetter
	secretName  string
	paramPrefix string
	tokens      oauth2.TokenSource
}

// NewAuthResolver creates a resolver. secrets and params may be nil when
// the corresponding source is not configured.
func NewAuthResolver(cfg config.AnalysisConfig, secrets SecretGetter, params ParameterGetter) *AuthResolver {
	a := &AuthResolver{
		secrets:     secrets,
		params:      params,
		secretName:  cfg.SecretName,
		paramPrefix: strings.TrimRight(cfg.ParamPrefix, "/"),
	}
	if cfg.OAuthTokenURL != "" && cfg.OAuthClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		a.tokens = cc.TokenSource(context.Background())
	}
	return a
}

// Headers returns the first non-empty header set from: the routing
// descriptor, the tenant's entry in the shared secret, the tenant's
// auth_header parameter, an OAuth2 client-credentials token.
func (a *AuthResolver) Headers(ctx context.Context, tenantID string, routing *models.Routing) map[string]string {
	if routing != nil && len(routing.AuthHeaders) > 0 {
		out := make(map[string]string, len(routing.AuthHeaders))
		for k, v := range routing.AuthHeaders {
			out[k] = v
		}
		return out
	}

	if h := a.fromSecret(ctx, tenantID); len(h) > 0 {
		return h
	}
	if h := a.fromParameter(ctx, tenantID); len(h) > 0 {
		return h
	}
	if h := a.fromOAuth(); len(h) > 0 {
		return h
	}
	return map[string]string{}
}

func (a *AuthResolver) fromSecret(ctx context.Context, tenantID string) map[string]string {
	if a.secrets == nil || a.secretName == "" {
		return nil
	}
	blob, err := a.secrets.GetSecret(ctx, a.secretName)
	if err != nil {
		slog.Warn("auth secret unavailable", "tenant", tenantID, "error", err)
		return nil
	}
	var byTenant map[string]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &byTenant); err != nil {
		slog.Warn("auth secret is not a JSON object", "tenant", tenantID)
		return nil
	}
	var entry map[string]any
	if err := json.Unmarshal(byTenant[tenantID], &entry); err != nil || len(entry) == 0 {
		return nil
	}
	out := make(map[string]string, len(entry))
	for k, v := range entry {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (a *AuthResolver) fromParameter(ctx context.Context, tenantID string) map[string]string {
	if a.params == nil || a.paramPrefix == "" {
		return nil
	}
	name := a.paramPrefix + "/" + tenantID + "/auth_header"
	value, err := a.params.GetParameter(ctx, name)
	if err != nil {
		slog.Debug("auth parameter unavailable", "tenant", tenantID, "name", name, "error", err)
		return nil
	}
	m := headerLine.FindStringSubmatch(value)
	if m == nil {
		slog.Warn("auth parameter is not a header line", "tenant", tenantID, "name", name)
		return nil
	}
	return map[string]string{m[1]: m[2]}
}

func (a *AuthResolver) fromOAuth() map[string]string {
	if a.tokens == nil {
		return nil
	}
	tok, err := a.tokens.Token()
	if err != nil {
		slog.Warn("oauth token request failed", "error", err)
		return nil
	}
	return map[string]string{"Authorization": tok.Type() + " " + tok.AccessToken}
}
