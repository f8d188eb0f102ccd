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

package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemObject is an object held by the in-memory store.
type MemObject struct {
	Body         []byte
	ContentType  string
	CacheControl string
	KMSKeyID     string
	LastModified time.Time
}

// Memory is an in-process object store for local runs and tests.
// It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]MemObject
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]MemObject),
		now:     time.Now,
	}
}

func memKey(bucket, key string) string { return bucket + "\x00" + key }

// Get returns a copy of the object content.
func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", URL(bucket, key), ErrNotFound)
	}
	out := make([]byte, len(obj.Body))
	copy(out, obj.Body)
	return out, nil
}

// Head returns object metadata, or ErrNotFound.
func (m *Memory) Head(_ context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("head %s: %w", URL(bucket, key), ErrNotFound)
	}
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.Body)),
		ContentType:  obj.ContentType,
		LastModified: obj.LastModified,
	}, nil
}

// Put stores an object, replacing any previous version.
func (m *Memory) Put(_ context.Context, in PutInput) error {
	body := make([]byte, len(in.Body))
	copy(body, in.Body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memKey(in.Bucket, in.Key)] = MemObject{
		Body:         body,
		ContentType:  in.ContentType,
		CacheControl: in.CacheControl,
		KMSKeyID:     in.KMSKeyID,
		LastModified: m.now(),
	}
	return nil
}

// Copy duplicates an object within a bucket.
func (m *Memory) Copy(_ context.Context, bucket, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[memKey(bucket, srcKey)]
	if !ok {
		return fmt.Errorf("copy %s: %w", URL(bucket, srcKey), ErrNotFound)
	}
	obj.LastModified = m.now()
	m.objects[memKey(bucket, dstKey)] = obj
	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, memKey(bucket, key))
	return nil
}

// List returns the objects under prefix in key order.
func (m *Memory) List(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for k, obj := range m.objects {
		b, key, _ := strings.Cut(k, "\x00")
		if b != bucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.Body)),
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PresignGet returns a pseudo URL; the memory store has no HTTP endpoint.
func (m *Memory) PresignGet(_ context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?expires=%d", bucket, key, int(expiry.Seconds())), nil
}

// Object returns the stored object with its write metadata.
func (m *Memory) Object(bucket, key string) (MemObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[memKey(bucket, key)]
	return obj, ok
}
