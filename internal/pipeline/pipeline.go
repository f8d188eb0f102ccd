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

// Package pipeline registers the stages under their names and is the one
// place where stage errors and panics become Failure results.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/bcem/mailpipe/internal/outcome"
)

// Stage names.
const (
	ResolveTenant   = "resolve-tenant"
	Route           = "route"
	ForwardAnalysis = "forward-analysis"
	Validate        = "validate"
	Embed           = "embed"
	RenderReport    = "render-report"
	Notify          = "notify"
	Distribute      = "distribute"
	Persist         = "persist"
)

// ErrUnknownStage is returned by Invoke for a name nothing is registered under.
var ErrUnknownStage = errors.New("unknown stage")

// Handler is implemented by every stage.
type Handler interface {
	Handle(ctx context.Context, raw json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	return f(ctx, raw)
}

// Registry maps stage names to handlers.
type Registry struct {
	stages  map[string]Handler
	timeout time.Duration
}

// NewRegistry creates an empty registry. A timeout of zero or less runs
// stages without a deadline beyond the caller's.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{stages: make(map[string]Handler), timeout: timeout}
}

// Register adds h under name, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.stages[name] = h
}

// Names returns the registered stage names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.stages[name]
	return ok
}

// Invoke runs the named stage on raw.
//
// The returned value is the stage result, or an outcome.Failure when the
// stage returned an error or panicked. The error is non-nil only for an
// unknown stage or an outcome.Fault, which callers must surface.
func (r *Registry) Invoke(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	h, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := run(ctx, h, raw)
	if err == nil {
		slog.DebugContext(ctx, "stage completed", "stage", name, "duration", time.Since(start))
		return res, nil
	}
	if outcome.IsFault(err) {
		slog.ErrorContext(ctx, "stage fault", "stage", name, "error", err)
		return nil, err
	}

	failure := outcome.FromError(name, err)
	slog.ErrorContext(ctx, "stage failed",
		"stage", name,
		"tenant", failure.TenantID,
		"error_class", failure.ErrorClass,
		"keys", failure.Keys,
		"error", err,
	)
	return failure, nil
}

func run(ctx context.Context, h Handler, raw json.RawMessage) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "stage panic", "panic", p, "stack", string(debug.Stack()))
			res = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Handle(ctx, raw)
}
