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

package models

import (
	"encoding/json"
	"testing"
)

func TestAnalysisBlock_Shapes(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantSummary string
		wantIntent  string
		wantEnts    []string
	}{
		{
			name:        "raw model form",
			input:       `{"bedrock":{"bedrock_json":{"summary":"S","intent":"invoice","entities":["ACME",{"Text":"Bob"},{"text":"Eve"},42]}}}`,
			wantSummary: "S",
			wantIntent:  "invoice",
			wantEnts:    []string{"ACME", "Bob", "Eve"},
		},
		{
			name:        "stage form",
			input:       `{"bedrock":{"summary":"S2","priority":"high"}}`,
			wantSummary: "S2",
		},
		{
			name:        "flat form wins over nested",
			input:       `{"summary":"outer","bedrock":{"bedrock_json":{"summary":"inner","intent":"x"}}}`,
			wantSummary: "outer",
			wantIntent:  "x",
		},
		{
			name:  "wrong shapes degrade to empty",
			input: `{"bedrock":{"bedrock_json":"not an object"},"summary":{"a":1}}`,
		},
		{
			name:  "not an object",
			input: `"hello"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ab AnalysisBlock
			if err := json.Unmarshal([]byte(tt.input), &ab); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ab.Summary != tt.wantSummary {
				t.Errorf("summary = %q, want %q", ab.Summary, tt.wantSummary)
			}
			if ab.Intent != tt.wantIntent {
				t.Errorf("intent = %q, want %q", ab.Intent, tt.wantIntent)
			}
			got := ab.EntityTexts()
			if len(got) != len(tt.wantEnts) {
				t.Fatalf("entities = %v, want %v", got, tt.wantEnts)
			}
			for i := range got {
				if got[i] != tt.wantEnts[i] {
					t.Errorf("entity[%d] = %q, want %q", i, got[i], tt.wantEnts[i])
				}
			}
		})
	}
}

func TestMeta_InvalidAndFields(t *testing.T) {
	var payload struct {
		Meta Meta `json:"meta"`
	}

	if err := json.Unmarshal([]byte(`{"meta":"oops"}`), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payload.Meta.Invalid() {
		t.Error("expected string meta to be invalid")
	}

	if err := json.Unmarshal([]byte(`{"meta":{"subject":"Hi","to":7,"attachments":[{"filename":"a.pdf","size_bytes":12}]}}`), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Meta.Invalid() {
		t.Error("object meta reported invalid")
	}
	if v, ok := payload.Meta.Field("subject"); !ok || v != "Hi" {
		t.Errorf("subject = %q/%v", v, ok)
	}
	if _, ok := payload.Meta.Field("to"); ok {
		t.Error("numeric field must not be reported as a string")
	}
	if len(payload.Meta.Attachments) != 1 || payload.Meta.Attachments[0].SizeBytes != 12 {
		t.Errorf("attachments = %+v", payload.Meta.Attachments)
	}
}

func TestText_ToleratesScalars(t *testing.T) {
	var v struct {
		A Text `json:"a"`
		B Text `json:"b"`
		C Text `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":42,"b":[1],"c":" x "}`), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.A != "42" || v.B != "" || v.C.String() != "x" {
		t.Errorf("got %q %q %q", v.A, v.B, v.C)
	}
}

func TestSyncStatus(t *testing.T) {
	if !SyncDispatched.Valid() || SyncStatus("lost").Valid() {
		t.Error("Valid() mismatch")
	}
	if SyncPending.Terminal() || !SyncCompleted.Terminal() {
		t.Error("Terminal() mismatch")
	}
}
