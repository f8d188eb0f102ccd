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

// Package webhook serves the pipeline over HTTP. The orchestrator calls
// POST /stages/{name} with a stage input and receives the stage output.
// Object-created notifications arrive on POST /events/s3, either as native
// S3 event records, wrapped in an SNS notification, or as an EventBridge
// event, and are handed to the route stage one object at a time.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/logging"
	"github.com/bcem/mailpipe/internal/pipeline"
)

const maxBodyBytes = 10 << 20

// Invoker runs a named stage.
type Invoker interface {
	Invoke(ctx context.Context, name string, raw json.RawMessage) (any, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// S3Event is the native S3 notification document.
type S3Event struct {
	Records []S3EventRecord `json:"Records"`
}

// S3EventRecord is one object event.
type S3EventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// snsEnvelope is the wrapper SNS puts around S3 events.
type snsEnvelope struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
	TopicArn     string `json:"TopicArn"`
}

// routeInput is the object-created shape the route stage accepts.
type routeInput struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key string `json:"key"`
	} `json:"object"`
}

// Handler serves stage invocations, object events and health checks.
type Handler struct {
	stages Invoker
	health Pinger
}

// NewHandler creates the HTTP handler. health may be nil when Redis is
// disabled.
func NewHandler(stages Invoker, health Pinger) *Handler {
	return &Handler{stages: stages, health: health}
}

// Routes returns the mux with every endpoint behind the correlation
// middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /stages/{name}", h.ServeStage)
	mux.HandleFunc("POST /events/s3", h.ServeS3Event)
	mux.HandleFunc("GET /health", h.ServeHealth)
	return CorrelationID(mux)
}

// ServeStage runs the stage named in the path on the request body.
//
// A stage result, including a Failure, is answered with 200. An unknown
// stage is 404, an unreadable body 400, and a propagated fault 500 so the
// orchestrator retries or fails the run.
func (h *Handler) ServeStage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, ok := readJSON(w, r)
	if !ok {
		return
	}
	h.invoke(r.Context(), w, name, body)
}

// ServeS3Event routes object-created notifications.
func (h *Handler) ServeS3Event(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON(w, r)
	if !ok {
		return
	}

	var sns snsEnvelope
	if json.Unmarshal(body, &sns) == nil && sns.Type != "" {
		switch sns.Type {
		case "SubscriptionConfirmation":
			slog.InfoContext(r.Context(), "sns subscription confirmation received",
				"topic", sns.TopicArn,
				"subscribe_url", sns.SubscribeURL,
			)
			writeJSON(w, http.StatusOK, map[string]string{"status": "confirmation_logged"})
			return
		case "Notification":
			body = json.RawMessage(sns.Message)
		}
	}

	var event S3Event
	if err := json.Unmarshal(body, &event); err != nil || len(event.Records) == 0 {
		// EventBridge and direct shapes are understood by the route stage.
		h.invoke(r.Context(), w, pipeline.Route, body)
		return
	}

	results := make([]any, 0, len(event.Records))
	for _, rec := range event.Records {
		var in routeInput
		in.Bucket.Name = rec.S3.Bucket.Name
		in.Object.Key = rec.S3.Object.Key
		raw, err := json.Marshal(in)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		res, err := h.stages.Invoke(r.Context(), pipeline.Route, raw)
		if err != nil {
			writeInvokeError(w, pipeline.Route, err)
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ServeHealth checks Redis when it is configured.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "redis": "disabled"})
		return
	}
	if err := h.health.Ping(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "redis": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "redis": "ok"})
}

func (h *Handler) invoke(ctx context.Context, w http.ResponseWriter, name string, body json.RawMessage) {
	res, err := h.stages.Invoke(ctx, name, body)
	if err != nil {
		writeInvokeError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeInvokeError(w http.ResponseWriter, stage string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, pipeline.ErrUnknownStage) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"ok": false, "stage": stage, "error": err.Error()})
}

// readJSON reads a JSON body. An empty body reads as {}.
func readJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to read request body", "error", err)
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", maxBodyBytes))
		return nil, false
	}
	if len(body) == 0 {
		return json.RawMessage(`{}`), true
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("body is not valid JSON"))
		return nil, false
	}
	return body, true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// CorrelationID assigns each request an id, taken from X-Correlation-ID
// when present, and carries it in the request context and response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := logging.WithCorrelationID(r.Context(), id)
		w.Header().Set("X-Correlation-ID", id)

		start := time.Now()
		slog.InfoContext(ctx, "request received", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
		slog.InfoContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// Serve starts the HTTP server on cfg.Port. It binds the port immediately
// and closes the returned channel once it is accepting connections. When
// ctx is cancelled the server drains in-flight requests for up to
// cfg.ShutdownTimeout, then closes done.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler) (ready, done <-chan struct{}, err error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind port %d: %w", cfg.Port, err)
	}
	return serveListener(ctx, ln, cfg.ShutdownTimeout, handler)
}

func serveListener(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration, handler http.Handler) (<-chan struct{}, <-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	readyCh := make(chan struct{})
	doneCh := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(doneCh) }) }

	go func() {
		<-ctx.Done()
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		finish()
	}()

	go func() {
		slog.Info("server listening", "addr", ln.Addr().String())
		close(readyCh)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			finish()
		}
	}()

	return readyCh, doneCh, nil
}
