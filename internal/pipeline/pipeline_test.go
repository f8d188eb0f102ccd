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

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailpipe/internal/outcome"
)

func TestInvoke_PassesResult(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(Validate, HandlerFunc(func(_ context.Context, raw json.RawMessage) (any, error) {
		return map[string]any{"ok": true, "in": string(raw)}, nil
	}))

	res, err := r.Invoke(context.Background(), Validate, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true, "in": `{"a":1}`}, res)
}

func TestInvoke_ErrorBecomesFailure(t *testing.T) {
	r := NewRegistry(0)
	r.Register(Route, HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return nil, outcome.Annotate(errors.New("access denied"), "acme", "copy_failed", map[string]string{"key": "k"})
	}))

	res, err := r.Invoke(context.Background(), Route, nil)
	require.NoError(t, err)
	f, ok := res.(outcome.Failure)
	require.True(t, ok)
	assert.False(t, f.OK)
	assert.Equal(t, Route, f.Stage)
	assert.Equal(t, Route, f.Where)
	assert.Equal(t, "acme", f.TenantID)
	assert.Equal(t, "copy_failed", f.ErrorClass)
	assert.Equal(t, map[string]string{"key": "k"}, f.Keys)
	assert.Equal(t, "copy_failed: access denied", f.Error)
}

func TestInvoke_PanicBecomesFailure(t *testing.T) {
	r := NewRegistry(0)
	r.Register(Embed, HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	}))

	res, err := r.Invoke(context.Background(), Embed, nil)
	require.NoError(t, err)
	f := res.(outcome.Failure)
	assert.Equal(t, Embed, f.Stage)
	assert.Contains(t, f.Error, "panic: ")
}

func TestInvoke_FaultPropagates(t *testing.T) {
	r := NewRegistry(0)
	r.Register(Distribute, HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return nil, outcome.Propagate(errors.New("bad payload"))
	}))

	res, err := r.Invoke(context.Background(), Distribute, nil)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, outcome.IsFault(err))
}

func TestInvoke_UnknownStage(t *testing.T) {
	_, err := NewRegistry(0).Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestInvoke_AppliesTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register(Persist, HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	res, err := r.Invoke(context.Background(), Persist, nil)
	require.NoError(t, err)
	assert.Contains(t, res.(outcome.Failure).Error, "deadline exceeded")
}

func TestNames(t *testing.T) {
	r := NewRegistry(0)
	noop := HandlerFunc(func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	r.Register(Persist, noop)
	r.Register(Embed, noop)
	assert.Equal(t, []string{Embed, Persist}, r.Names())
	assert.True(t, r.Has(Embed))
	assert.False(t, r.Has(Notify))
}
