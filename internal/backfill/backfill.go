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

// Package backfill replays inbound messages already sitting in the object
// store through the route stage, as if their object-created events had
// just arrived. Event dedup in the router keeps a replay from starting a
// second workflow for a message that was already picked up.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/mailpipe/internal/objectstore"
	"github.com/bcem/mailpipe/internal/router"
)

// Lister lists stored objects.
type Lister interface {
	List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error)
}

// Starter starts a workflow run for one object.
type Starter interface {
	Start(ctx context.Context, bucket, key string) (router.StartResult, error)
}

// Request defines the scope of a backfill run.
type Request struct {
	Bucket   string
	Prefixes []string
	Since    time.Duration // zero replays everything
	DryRun   bool
}

// Result summarises a completed backfill run.
type Result struct {
	Bucket        string
	PrefixResults []PrefixResult
	TotalStarted  int
	TotalSkipped  int
	TotalErrors   int
	Elapsed       time.Duration
}

// PrefixResult tracks progress for one prefix.
type PrefixResult struct {
	Prefix  string
	Listed  int
	Started int
	Skipped int
	Errors  int
}

// Runner performs backfill runs.
type Runner struct {
	lister  Lister
	starter Starter
	delay   time.Duration // pause between starts to avoid throttling
	now     func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Lister  Lister
	Starter Starter
	Delay   time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		lister:  cfg.Lister,
		starter: cfg.Starter,
		delay:   cfg.Delay,
		now:     time.Now,
	}
}

// Run replays every object under each prefix. A prefix that cannot be
// listed is counted as an error and the run continues with the next one.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Bucket == "" {
		return nil, fmt.Errorf("backfill: bucket is required")
	}
	prefixes := req.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	var cutoff time.Time
	if req.Since > 0 {
		cutoff = r.now().Add(-req.Since)
	}

	start := time.Now()
	slog.Info("starting backfill",
		"bucket", req.Bucket,
		"prefixes", prefixes,
		"since", cutoff,
		"dry_run", req.DryRun,
	)

	result := &Result{Bucket: req.Bucket}
	for _, prefix := range prefixes {
		pr, err := r.backfillPrefix(ctx, req, prefix, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			slog.Error("backfill failed for prefix",
				"bucket", req.Bucket,
				"prefix", prefix,
				"error", err,
			)
			pr.Errors++
		}
		result.PrefixResults = append(result.PrefixResults, pr)
		result.TotalStarted += pr.Started
		result.TotalSkipped += pr.Skipped
		result.TotalErrors += pr.Errors
	}
	result.Elapsed = time.Since(start)

	slog.Info("backfill complete",
		"bucket", req.Bucket,
		"started", result.TotalStarted,
		"skipped", result.TotalSkipped,
		"errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (r *Runner) backfillPrefix(ctx context.Context, req Request, prefix string, cutoff time.Time) (PrefixResult, error) {
	pr := PrefixResult{Prefix: prefix}

	objects, err := r.lister.List(ctx, req.Bucket, prefix)
	if err != nil {
		return pr, fmt.Errorf("list %s: %w", prefix, err)
	}
	pr.Listed = len(objects)

	attempts := 0
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") || obj.Size == 0 {
			pr.Skipped++
			continue
		}
		if !cutoff.IsZero() && obj.LastModified.Before(cutoff) {
			pr.Skipped++
			continue
		}
		if req.DryRun {
			slog.Info("backfill dry run", "bucket", req.Bucket, "key", obj.Key)
			pr.Started++
			continue
		}

		if attempts > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return pr, ctx.Err()
			case <-time.After(r.delay):
			}
		}
		attempts++

		res, err := r.starter.Start(ctx, req.Bucket, obj.Key)
		if err != nil {
			slog.Warn("backfill: start failed", "bucket", req.Bucket, "key", obj.Key, "error", err)
			pr.Errors++
			continue
		}
		switch res.Status {
		case router.StatusStarted:
			pr.Started++
		default:
			slog.Debug("backfill: object skipped", "key", obj.Key, "status", res.Status)
			pr.Skipped++
		}
	}

	slog.Info("prefix backfill complete",
		"bucket", req.Bucket,
		"prefix", prefix,
		"listed", pr.Listed,
		"started", pr.Started,
		"skipped", pr.Skipped,
		"errors", pr.Errors,
	)
	return pr, nil
}
