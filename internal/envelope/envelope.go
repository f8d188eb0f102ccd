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

// Package envelope normalizes stage input. Events arrive either bare or
// wrapped by the event bus under "detail"; legacy producers also use older
// key names. Every stage decodes its input through Decode exactly once.
package envelope

import (
	"encoding/json"
	"fmt"
)

// alias maps legacy key names onto a canonical key at a given path.
type alias struct {
	path      []string
	canonical string
	legacy    []string
}

// aliases is the single table of accepted legacy key names. The canonical
// key is only filled when it is absent or empty; legacy keys are kept.
var aliases = []alias{
	{canonical: "tenantId", legacy: []string{"tenant_id", "tenantID"}},
	{canonical: "receivedAt", legacy: []string{"received_at"}},
	{canonical: "userID", legacy: []string{"userId", "user_id"}},
	{canonical: "file", legacy: []string{"document"}},
	{path: []string{"file"}, canonical: "key", legacy: []string{"s3_key"}},
	{path: []string{"file"}, canonical: "cf_url", legacy: []string{"cdn_url", "cloudfront_url"}},
}

// Unwrap returns the payload of an event: the "detail" object when present,
// otherwise the event itself. Anything that is not a JSON object yields an
// empty payload.
func Unwrap(raw []byte) map[string]any {
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return map[string]any{}
	}
	if detail, ok := top["detail"].(map[string]any); ok {
		return detail
	}
	return top
}

// HadDetail reports whether raw carried a "detail" wrapper object.
func HadDetail(raw []byte) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return false
	}
	var detail map[string]any
	return json.Unmarshal(top["detail"], &detail) == nil && detail != nil
}

// Normalize applies the alias table to payload in place.
func Normalize(payload map[string]any) {
	for _, a := range aliases {
		target := payload
		for _, p := range a.path {
			next, ok := target[p].(map[string]any)
			if !ok {
				target = nil
				break
			}
			target = next
		}
		if target == nil || !empty(target[a.canonical]) {
			continue
		}
		for _, l := range a.legacy {
			if v, ok := target[l]; ok && !empty(v) {
				target[a.canonical] = v
				break
			}
		}
	}
}

// Decode unwraps raw, applies the alias table and decodes the result into v.
func Decode(raw []byte, v any) error {
	payload := Unwrap(raw)
	Normalize(payload)

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("re-encode payload: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func empty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	return false
}
