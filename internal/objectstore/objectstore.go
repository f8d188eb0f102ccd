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

// Package objectstore provides the object storage backends used by the
// pipeline: Amazon S3 for deployments and an in-memory store for local runs.
//
// A missing object is an ordinary outcome, reported as ErrNotFound so that
// callers can branch on it with errors.Is.
package objectstore

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object without its content.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// PutInput is a single object write.
type PutInput struct {
	Bucket       string
	Key          string
	Body         []byte
	ContentType  string
	CacheControl string
	KMSKeyID     string // server-side encryption with this key when set
}

// URL returns the s3:// form of a bucket and key.
func URL(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// Basename returns the URL-decoded last path segment of key.
func Basename(key string) string {
	base := key[strings.LastIndex(key, "/")+1:]
	if dec, err := url.PathUnescape(base); err == nil {
		return dec
	}
	return base
}
