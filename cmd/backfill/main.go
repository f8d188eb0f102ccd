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

// mailpipe backfill command
//
// Standalone CLI tool that starts workflow runs for inbound messages already
// stored in the inbound bucket, for example after an outage of the event
// notification. Objects already started are skipped by the event dedup.
//
// Usage:
//
//	go run ./cmd/backfill/ [--bucket inbound-mail] [--prefixes inbound/,retry/] [--since 168h] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bcem/mailpipe/internal/app"
	"github.com/bcem/mailpipe/internal/backfill"
	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/logging"
)

func main() {
	logging.Setup(os.Stdout, os.Getenv("LOG_LEVEL"))

	// --- CLI Flags ---
	bucketFlag := flag.String("bucket", "", "Inbound bucket (default: STORAGE_INBOUND_BUCKET)")
	prefixesFlag := flag.String("prefixes", "", "Comma-separated key prefixes (default: STORAGE_INBOUND_PREFIX)")
	sinceFlag := flag.String("since", "0", "Only replay objects modified within this duration (e.g. 168h); 0 replays all")
	delayFlag := flag.Duration("delay", 200*time.Millisecond, "Pause between workflow starts")
	dryRun := flag.Bool("dry-run", false, "List what would be started without starting anything")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(os.Stdout, cfg.LogLevel)

	bucket := *bucketFlag
	if bucket == "" {
		bucket = cfg.Storage.InboundBucket
	}
	if bucket == "" {
		fmt.Fprintf(os.Stderr, "Error: --bucket or STORAGE_INBOUND_BUCKET is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	prefixes := splitList(*prefixesFlag)
	if len(prefixes) == 0 && cfg.Storage.InboundPrefix != "" {
		prefixes = []string{cfg.Storage.InboundPrefix}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if a.Redis == nil {
		slog.Warn("redis disabled, objects already started will be started again")
	}

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Lister:  a.Store,
		Starter: a.Router,
		Delay:   *delayFlag,
	})
	result, err := runner.Run(ctx, backfill.Request{
		Bucket:   bucket,
		Prefixes: prefixes,
		Since:    sinceDuration,
		DryRun:   *dryRun,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	// --- Summary ---
	for _, pr := range result.PrefixResults {
		slog.Info("prefix result",
			"prefix", pr.Prefix,
			"listed", pr.Listed,
			"started", pr.Started,
			"skipped", pr.Skipped,
			"errors", pr.Errors,
		)
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
