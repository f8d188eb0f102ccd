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
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/models"
)

// ErrTargetUnresolved is returned when neither routing nor configuration
// names an analysis host.
var ErrTargetUnresolved = errors.New("target_unresolved")

// Target is the resolved analysis endpoint.
type Target struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// ResolveTarget picks scheme, host, port and path from the routing
// descriptor, then configuration, then built-in defaults.
func ResolveTarget(routing *models.Routing, cfg config.AnalysisConfig) (Target, error) {
	if routing == nil {
		routing = &models.Routing{}
	}

	scheme := strings.ToLower(firstNonEmpty(routing.Scheme, cfg.Scheme, "http"))
	path := firstNonEmpty(routing.NLBPath, routing.Path, cfg.DefaultPath, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	rawHost := firstNonEmpty(routing.NLBHost, routing.Host, cfg.DefaultHost)
	if rawHost == "" {
		return Target{}, ErrTargetUnresolved
	}

	port := int(routing.Port)
	if port == 0 {
		port = cfg.Port
	}

	host, hostPort := splitHostPort(rawHost)
	if port == 0 {
		port = hostPort
	}
	if port == 0 {
		port = defaultPort(scheme)
	}

	return Target{Scheme: scheme, Host: host, Port: port, Path: path}, nil
}

// URL returns the request URL; the port is omitted when it is the
// scheme's default.
func (t Target) URL() string {
	host := t.Host
	if t.Port != 0 && t.Port != defaultPort(t.Scheme) {
		host = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}
	return t.Scheme + "://" + host + t.Path
}

// HostPort returns host:port as reported in stage output.
func (t Target) HostPort() string {
	return t.Host + ":" + strconv.Itoa(t.Port)
}

func splitHostPort(h string) (string, int) {
	i := strings.LastIndex(h, ":")
	if i < 0 {
		return h, 0
	}
	port, err := strconv.Atoi(h[i+1:])
	if err != nil {
		return h[:i], 0
	}
	return h[:i], port
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
