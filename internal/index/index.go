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

// Package index maintains the per-tenant report listings read by the
// dashboard: a capped rolling files.json and an uncapped daily index.json.
//
// Both listings are newest first and hold at most one item per s3Key, so
// re-running the report stage for the same key does not duplicate entries.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/bcem/mailpipe/internal/objectstore"
)

const cacheControl = "no-store, must-revalidate"

// Store is the object store subset used for listings.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, in objectstore.PutInput) error
}

// Item is one report in a listing.
type Item struct {
	Title       string `json:"title"`
	S3Key       string `json:"s3Key"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	CreatedAt   string `json:"createdAt"`
}

type rollingDoc struct {
	Items     []Item `json:"items"`
	UpdatedAt string `json:"updatedAt"`
}

type dailyDoc struct {
	Date  string `json:"date"`
	Items []Item `json:"items"`
}

// Keys names the listings touched by an update.
type Keys struct {
	Rolling string
	Daily   string
}

// Updater writes listings into one bucket.
type Updater struct {
	store Store
	limit int
}

// NewUpdater creates an Updater whose rolling listing keeps at most limit
// items. A non-positive limit keeps 200.
func NewUpdater(store Store, limit int) *Updater {
	if limit <= 0 {
		limit = 200
	}
	return &Updater{store: store, limit: limit}
}

// Add records item in the listings under dir, the tenant's report folder.
// The daily listing's date comes from the Y/M/D segments that follow dir in
// the item key, or from created when the key has no such segments.
func (u *Updater) Add(ctx context.Context, bucket, dir string, item Item, created time.Time) (Keys, error) {
	dir = strings.TrimSuffix(dir, "/")
	y, m, d := dateFromKey(dir, item.S3Key, created)
	keys := Keys{
		Rolling: dir + "/files.json",
		Daily:   path.Join(dir, y, m, d, "index.json"),
	}

	var rolling rollingDoc
	if err := u.load(ctx, bucket, keys.Rolling, &rolling); err != nil {
		return keys, err
	}
	rolling.Items = prepend(rolling.Items, item)
	if len(rolling.Items) > u.limit {
		rolling.Items = rolling.Items[:u.limit]
	}
	rolling.UpdatedAt = item.CreatedAt
	if err := u.save(ctx, bucket, keys.Rolling, rolling); err != nil {
		return keys, err
	}

	daily := dailyDoc{Date: y + "-" + m + "-" + d}
	if err := u.load(ctx, bucket, keys.Daily, &daily); err != nil {
		return keys, err
	}
	if daily.Date == "" {
		daily.Date = y + "-" + m + "-" + d
	}
	daily.Items = prepend(daily.Items, item)
	if err := u.save(ctx, bucket, keys.Daily, daily); err != nil {
		return keys, err
	}
	return keys, nil
}

// load reads key into v. A missing or unreadable listing leaves v as is.
func (u *Updater) load(ctx context.Context, bucket, key string, v any) error {
	body, err := u.store.Get(ctx, bucket, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read listing %s: %w", key, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		slog.Warn("replacing unreadable listing", "bucket", bucket, "key", key, "error", err)
	}
	return nil
}

func (u *Updater) save(ctx context.Context, bucket, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode listing %s: %w", key, err)
	}
	err = u.store.Put(ctx, objectstore.PutInput{
		Bucket:       bucket,
		Key:          key,
		Body:         body,
		ContentType:  "application/json",
		CacheControl: cacheControl,
	})
	if err != nil {
		return fmt.Errorf("write listing %s: %w", key, err)
	}
	return nil
}

func prepend(items []Item, item Item) []Item {
	out := make([]Item, 0, len(items)+1)
	out = append(out, item)
	for _, it := range items {
		if it.S3Key != item.S3Key {
			out = append(out, it)
		}
	}
	return out
}

func dateFromKey(dir, key string, created time.Time) (string, string, string) {
	if rest, ok := strings.CutPrefix(key, dir+"/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) >= 4 && digits(parts[0], 4) && digits(parts[1], 2) && digits(parts[2], 2) {
			return parts[0], parts[1], parts[2]
		}
	}
	c := created.UTC()
	return c.Format("2006"), c.Format("01"), c.Format("02")
}

func digits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
