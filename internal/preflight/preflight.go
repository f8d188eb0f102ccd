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

// Package preflight checks that a downstream HTTP service is reachable
// before any work is done for it. Each step is recorded so that a failed
// run shows where the path broke.
package preflight

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Step names.
const (
	StepDNS  = "dns"
	StepTCP  = "tcp"
	StepTLS  = "tls"
	StepHTTP = "http"
)

// DefaultTimeout bounds each step.
const DefaultTimeout = 5 * time.Second

// Step is the result of one check.
type Step struct {
	Name       string   `json:"step"`
	OK         bool     `json:"ok"`
	ResolvedV4 []string `json:"resolved_v4,omitempty"`
	IP         string   `json:"ip,omitempty"`
	Cipher     string   `json:"cipher,omitempty"`
	StatusLine string   `json:"status_line,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Report is the outcome of a full check.
type Report struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme"`
	Steps  []Step `json:"steps"`
}

// Reachable is false when name resolution or the TCP connect failed. TLS
// and probe errors are reported but do not block the caller.
func (r Report) Reachable() bool {
	for _, s := range r.Steps {
		if !s.OK && (s.Name == StepDNS || s.Name == StepTCP) {
			return false
		}
	}
	return true
}

// Checker runs connectivity checks.
type Checker struct {
	resolver *net.Resolver
	timeout  time.Duration
	tlsConf  *tls.Config
}

// NewChecker creates a checker with the given per-step timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{resolver: net.DefaultResolver, timeout: timeout}
}

// Check resolves host over IPv4, connects, performs a TLS handshake for
// https and reads the status line of GET path.
func (c *Checker) Check(ctx context.Context, host string, port int, path, scheme string) Report {
	rep := Report{Host: host, Port: port, Scheme: scheme}

	dnsCtx, cancel := context.WithTimeout(ctx, c.timeout)
	ips, err := c.resolver.LookupIP(dnsCtx, "ip4", host)
	cancel()
	if err != nil || len(ips) == 0 {
		if err == nil {
			err = fmt.Errorf("no IPv4 address for %s", host)
		}
		rep.Steps = append(rep.Steps, Step{Name: StepDNS, Error: err.Error()})
		return rep
	}
	resolved := make([]string, 0, len(ips))
	for _, ip := range ips {
		resolved = append(resolved, ip.String())
	}
	rep.Steps = append(rep.Steps, Step{Name: StepDNS, OK: true, ResolvedV4: resolved})

	dialer := &net.Dialer{Timeout: c.timeout}
	addr := net.JoinHostPort(resolved[0], strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		rep.Steps = append(rep.Steps, Step{Name: StepTCP, Error: err.Error()})
		return rep
	}
	defer conn.Close()
	rep.Steps = append(rep.Steps, Step{Name: StepTCP, OK: true, IP: resolved[0]})

	if strings.EqualFold(scheme, "https") {
		conf := c.tlsConf
		if conf == nil {
			conf = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		conf = conf.Clone()
		conf.ServerName = host
		tlsConn := tls.Client(conn, conf)
		hsCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			rep.Steps = append(rep.Steps, Step{Name: StepTLS, Error: err.Error()})
			return rep
		}
		rep.Steps = append(rep.Steps, Step{
			Name:   StepTLS,
			OK:     true,
			Cipher: tls.CipherSuiteName(tlsConn.ConnectionState().CipherSuite),
		})
		conn = tlsConn
	}

	line, err := c.probe(conn, host, path)
	if err != nil {
		rep.Steps = append(rep.Steps, Step{Name: StepHTTP, Error: err.Error()})
		return rep
	}
	rep.Steps = append(rep.Steps, Step{Name: StepHTTP, OK: true, StatusLine: line})
	return rep
}

// probe sends a minimal GET and returns the response status line.
func (c *Checker) probe(conn net.Conn, host, path string) (string, error) {
	if path == "" {
		path = "/"
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	req := "GET " + path + " HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return "", fmt.Errorf("write probe: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read probe: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
