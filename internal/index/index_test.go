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

package index

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailpipe/internal/objectstore"
)

const dir = "root/tenants/acme/KI_Results"

func item(n int) Item {
	return Item{
		Title:       fmt.Sprintf("%d_x.pdf", n),
		S3Key:       fmt.Sprintf("%s/2026/03/04/%d_x.pdf", dir, n),
		ContentType: "application/pdf",
		CreatedAt:   "2026-03-04T10:00:00Z",
	}
}

func readRolling(t *testing.T, store *objectstore.Memory) rollingDoc {
	t.Helper()
	body, err := store.Get(context.Background(), "out", dir+"/files.json")
	require.NoError(t, err)
	var doc rollingDoc
	require.NoError(t, json.Unmarshal(body, &doc))
	return doc
}

func TestAdd_WritesBothListings(t *testing.T) {
	store := objectstore.NewMemory()
	u := NewUpdater(store, 10)

	keys, err := u.Add(context.Background(), "out", dir, item(1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, dir+"/files.json", keys.Rolling)
	assert.Equal(t, dir+"/2026/03/04/index.json", keys.Daily)

	rolling := readRolling(t, store)
	require.Len(t, rolling.Items, 1)
	assert.Equal(t, "2026-03-04T10:00:00Z", rolling.UpdatedAt)

	obj, ok := store.Object("out", keys.Daily)
	require.True(t, ok)
	assert.Equal(t, "no-store, must-revalidate", obj.CacheControl)
	assert.Equal(t, "application/json", obj.ContentType)

	var daily dailyDoc
	require.NoError(t, json.Unmarshal(obj.Body, &daily))
	assert.Equal(t, "2026-03-04", daily.Date)
	assert.Len(t, daily.Items, 1)
}

func TestAdd_DedupesAndCapsRolling(t *testing.T) {
	store := objectstore.NewMemory()
	u := NewUpdater(store, 3)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := u.Add(ctx, "out", dir, item(i), time.Now())
		require.NoError(t, err)
	}
	_, err := u.Add(ctx, "out", dir, item(3), time.Now())
	require.NoError(t, err)

	rolling := readRolling(t, store)
	require.Len(t, rolling.Items, 3)
	assert.Equal(t, item(3).S3Key, rolling.Items[0].S3Key)
	assert.Equal(t, item(4).S3Key, rolling.Items[1].S3Key)
	assert.Equal(t, item(2).S3Key, rolling.Items[2].S3Key)

	body, err := store.Get(ctx, "out", dir+"/2026/03/04/index.json")
	require.NoError(t, err)
	var daily dailyDoc
	require.NoError(t, json.Unmarshal(body, &daily))
	assert.Len(t, daily.Items, 4)
}

func TestAdd_DateFallsBackToCreation(t *testing.T) {
	store := objectstore.NewMemory()
	it := Item{S3Key: "elsewhere/report.pdf"}
	created := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)

	keys, err := NewUpdater(store, 0).Add(context.Background(), "out", dir, it, created)
	require.NoError(t, err)
	assert.Equal(t, dir+"/2025/12/31/index.json", keys.Daily)
}

func TestAdd_ReplacesCorruptListing(t *testing.T) {
	store := objectstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, objectstore.PutInput{Bucket: "out", Key: dir + "/files.json", Body: []byte("{")}))

	_, err := NewUpdater(store, 5).Add(ctx, "out", dir, item(1), time.Now())
	require.NoError(t, err)
	assert.Len(t, readRolling(t, store).Items, 1)
}
