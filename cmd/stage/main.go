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

// mailpipe stage runner
//
// Runs one pipeline stage on a JSON document and prints the outcome.
// Logs go to stderr so stdout carries only the result. The exit code is 1
// when the stage propagates a fault.
//
// Usage:
//
//	go run ./cmd/stage/ --stage validate [--input event.json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcem/mailpipe/internal/app"
	"github.com/bcem/mailpipe/internal/config"
	"github.com/bcem/mailpipe/internal/logging"
)

func main() {
	logging.Setup(os.Stderr, os.Getenv("LOG_LEVEL"))

	// --- CLI Flags ---
	stageFlag := flag.String("stage", "", "Stage to run (required)")
	inputFlag := flag.String("input", "-", "Path to the JSON input, or - for stdin")
	flag.Parse()

	if *stageFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --stage is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	input, err := readInput(*inputFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	code := run(ctx, a, *stageFlag, input, os.Stdout)
	if err := a.Close(); err != nil {
		slog.Warn("failed to close clients", "error", err)
	}
	os.Exit(code)
}

// run invokes the stage and writes the indented result to out. It returns
// the process exit code.
func run(ctx context.Context, a *app.App, stage string, input json.RawMessage, out io.Writer) int {
	ctx = logging.WithCorrelationID(ctx, "cli-"+stage)
	res, err := a.Registry.Invoke(ctx, stage, input)
	if err != nil {
		slog.Error("stage failed", "stage", stage, "error", err)
		res = map[string]any{"ok": false, "stage": stage, "error": err.Error()}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		slog.Error("failed to encode result", "error", encErr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}

func readInput(path string) (json.RawMessage, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(data) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("input %s is not valid JSON", path)
	}
	return data, nil
}
