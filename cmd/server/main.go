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

// mailpipe stage server
//
// Entry point for the long-running pipeline service. It:
//  1. Loads configuration from the environment, .env and config.yaml
//  2. Builds the AWS, PostgreSQL, Redis and provider clients
//  3. Registers every pipeline stage
//  4. Serves POST /stages/{name}, POST /events/s3 and GET /health
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcem/mailpipe/internal/app"
	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/logging"
	"github.com/bcem/mailpipe/internal/webhook"
)

func main() {
	// Structured JSON logging; the level is raised once config is read.
	logging.Setup(os.Stdout, os.Getenv("LOG_LEVEL"))

	slog.Info("starting mailpipe stage server")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(os.Stdout, cfg.LogLevel)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"stage_timeout", cfg.Server.StageTimeout,
		"embedding_model", cfg.Embedding.ModelID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Wire clients and stages ---
	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close clients", "error", err)
		}
	}()

	if a.Redis != nil {
		if err := a.Ping(ctx); err != nil {
			// Dedup and publishing degrade to warnings; keep serving.
			slog.Warn("redis not reachable at startup", "error", err)
		} else {
			slog.Info("connected to Redis")
		}
	}

	// --- Serve ---
	var health webhook.Pinger
	if a.Redis != nil {
		health = a
	}
	handler := webhook.NewHandler(a.Registry, health)
	ready, done, err := webhook.Serve(ctx, cfg.Server, handler.Routes())
	if err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("stage server ready", "stages", a.Registry.Names())

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		<-done
	case <-done:
		slog.Error("stage server exited unexpectedly")
		stop()
		os.Exit(1)
	}

	slog.Info("stage server stopped")
}
