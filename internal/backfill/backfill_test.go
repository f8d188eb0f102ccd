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

package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bcem/mailpipe/internal/objectstore"
	"github.com/bcem/mailpipe/internal/router"
)

var now = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

// --- Mock lister ---

type mockLister struct {
	objects map[string][]objectstore.ObjectInfo
	errs    map[string]error
}

func (m *mockLister) List(_ context.Context, _ string, prefix string) ([]objectstore.ObjectInfo, error) {
	if err := m.errs[prefix]; err != nil {
		return nil, err
	}
	return m.objects[prefix], nil
}

// --- Mock starter ---

type mockStarter struct {
	mu       sync.Mutex
	started  []string
	statuses map[string]string
	errs     map[string]error
}

func (m *mockStarter) Start(_ context.Context, bucket, key string) (router.StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[key]; err != nil {
		return router.StartResult{}, err
	}
	m.started = append(m.started, bucket+"/"+key)
	status := router.StatusStarted
	if s, ok := m.statuses[key]; ok {
		status = s
	}
	return router.StartResult{Status: status, Bucket: bucket, Key: key}, nil
}

func obj(key string, age time.Duration) objectstore.ObjectInfo {
	return objectstore.ObjectInfo{Key: key, Size: 100, LastModified: now.Add(-age)}
}

func newRunner(l Lister, s Starter) *Runner {
	r := NewRunner(RunnerConfig{Lister: l, Starter: s})
	r.now = func() time.Time { return now }
	return r
}

// TestBackfill_StartsEachObject verifies listing and start accounting.
func TestBackfill_StartsEachObject(t *testing.T) {
	lister := &mockLister{objects: map[string][]objectstore.ObjectInfo{
		"inbound/": {
			obj("inbound/a.eml", time.Hour),
			obj("inbound/b.eml", time.Hour),
			obj("inbound/c.eml", time.Hour),
			{Key: "inbound/sub/", Size: 0},
		},
	}}
	starter := &mockStarter{
		statuses: map[string]string{"inbound/b.eml": router.StatusDuplicate},
		errs:     map[string]error{"inbound/c.eml": errors.New("throttled")},
	}

	result, err := newRunner(lister, starter).Run(context.Background(), Request{
		Bucket:   "in",
		Prefixes: []string{"inbound/"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TotalStarted != 1 || result.TotalSkipped != 2 || result.TotalErrors != 1 {
		t.Errorf("totals = started %d skipped %d errors %d, want 1/2/1",
			result.TotalStarted, result.TotalSkipped, result.TotalErrors)
	}
	if len(result.PrefixResults) != 1 || result.PrefixResults[0].Listed != 4 {
		t.Errorf("prefix results = %+v", result.PrefixResults)
	}
	want := []string{"in/inbound/a.eml", "in/inbound/b.eml"}
	if len(starter.started) != len(want) {
		t.Fatalf("started = %v, want %v", starter.started, want)
	}
	for i := range want {
		if starter.started[i] != want[i] {
			t.Errorf("started[%d] = %q, want %q", i, starter.started[i], want[i])
		}
	}
}

// TestBackfill_SinceWindow verifies objects older than the window are skipped.
func TestBackfill_SinceWindow(t *testing.T) {
	lister := &mockLister{objects: map[string][]objectstore.ObjectInfo{
		"": {
			obj("new.eml", time.Hour),
			obj("old.eml", 30*24*time.Hour),
		},
	}}
	starter := &mockStarter{}

	result, err := newRunner(lister, starter).Run(context.Background(), Request{
		Bucket: "in",
		Since:  7 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalStarted != 1 || result.TotalSkipped != 1 {
		t.Errorf("started %d skipped %d, want 1/1", result.TotalStarted, result.TotalSkipped)
	}
	if len(starter.started) != 1 || starter.started[0] != "in/new.eml" {
		t.Errorf("started = %v", starter.started)
	}
}

// TestBackfill_DryRun verifies nothing is started.
func TestBackfill_DryRun(t *testing.T) {
	lister := &mockLister{objects: map[string][]objectstore.ObjectInfo{
		"inbound/": {obj("inbound/a.eml", time.Hour)},
	}}
	starter := &mockStarter{}

	result, err := newRunner(lister, starter).Run(context.Background(), Request{
		Bucket:   "in",
		Prefixes: []string{"inbound/"},
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalStarted != 1 {
		t.Errorf("started = %d, want 1", result.TotalStarted)
	}
	if len(starter.started) != 0 {
		t.Errorf("dry run started %v", starter.started)
	}
}

// TestBackfill_ListError verifies a failing prefix does not stop the run.
func TestBackfill_ListError(t *testing.T) {
	lister := &mockLister{
		objects: map[string][]objectstore.ObjectInfo{"b/": {obj("b/x.eml", time.Minute)}},
		errs:    map[string]error{"a/": errors.New("access denied")},
	}
	starter := &mockStarter{}

	result, err := newRunner(lister, starter).Run(context.Background(), Request{
		Bucket:   "in",
		Prefixes: []string{"a/", "b/"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalErrors != 1 || result.TotalStarted != 1 {
		t.Errorf("errors %d started %d, want 1/1", result.TotalErrors, result.TotalStarted)
	}
}

// TestBackfill_RequiresBucket verifies the request is validated.
func TestBackfill_RequiresBucket(t *testing.T) {
	if _, err := newRunner(&mockLister{}, &mockStarter{}).Run(context.Background(), Request{}); err == nil {
		t.Error("expected error for empty bucket")
	}
}

// TestBackfill_CancelDuringDelay verifies the pause between starts honours
// cancellation.
func TestBackfill_CancelDuringDelay(t *testing.T) {
	lister := &mockLister{objects: map[string][]objectstore.ObjectInfo{
		"": {obj("a.eml", time.Minute), obj("b.eml", time.Minute)},
	}}
	starter := &mockStarter{}
	r := NewRunner(RunnerConfig{Lister: lister, Starter: starter, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Request{Bucket: "in"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(starter.started) != 1 {
		t.Errorf("started = %v, want one start before cancel", starter.started)
	}
}
