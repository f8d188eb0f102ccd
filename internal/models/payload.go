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
	"strconv"
	"strings"
)

// Text is a string field that tolerates upstream type drift. Numbers and
// booleans are formatted, objects, arrays and null decode to "".
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		*t = ""
		return nil
	}
	switch x := v.(type) {
	case string:
		*t = Text(x)
	case float64:
		*t = Text(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*t = Text(strconv.FormatBool(x))
	default:
		*t = ""
	}
	return nil
}

// String returns the value with surrounding whitespace removed.
func (t Text) String() string { return strings.TrimSpace(string(t)) }

// Meta is the descriptive block attached to a message as it moves through
// the pipeline. Non-string values for the well-known fields decode to "".
type Meta struct {
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	CC          string       `json:"cc"`
	Date        string       `json:"date,omitempty"`
	Text        string       `json:"text,omitempty"`
	UserID      string       `json:"userId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	fields  map[string]string
	invalid bool
}

// UnmarshalJSON implements json.Unmarshaler. A JSON value that is not an
// object marks the meta as invalid rather than failing the decode.
func (m *Meta) UnmarshalJSON(b []byte) error {
	*m = Meta{}

	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		m.invalid = true
		return nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		m.invalid = raw != nil
		return nil
	}

	m.fields = make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			m.fields[k] = s
		}
	}
	m.Subject = m.fields["subject"]
	m.From = m.fields["from"]
	m.To = m.fields["to"]
	m.CC = m.fields["cc"]
	m.Date = m.fields["date"]
	m.Text = m.fields["text"]
	m.UserID = firstString(m.fields["userId"], m.fields["userID"])

	if list, ok := obj["attachments"].([]any); ok {
		for _, item := range list {
			if a, ok := attachmentFrom(item); ok {
				m.Attachments = append(m.Attachments, a)
			}
		}
	}
	return nil
}

// Invalid reports whether the meta value was present but not an object.
func (m Meta) Invalid() bool { return m.invalid }

// Field returns the named field when it holds a string.
func (m Meta) Field(name string) (string, bool) {
	if m.fields != nil {
		v, ok := m.fields[name]
		return v, ok
	}
	switch name {
	case "subject":
		return m.Subject, true
	case "from":
		return m.From, true
	case "to":
		return m.To, true
	case "cc":
		return m.CC, true
	case "date":
		return m.Date, true
	case "text":
		return m.Text, true
	}
	return "", false
}

// Headline returns the subject/from/to/cc projection used by reports,
// notifications and distribution.
func (m Meta) Headline() Meta {
	return Meta{Subject: m.Subject, From: m.From, To: m.To, CC: m.CC}
}

func attachmentFrom(v any) (Attachment, bool) {
	switch x := v.(type) {
	case string:
		return Attachment{Filename: x}, x != ""
	case map[string]any:
		a := Attachment{}
		a.Filename, _ = x["filename"].(string)
		a.ContentType, _ = x["content_type"].(string)
		if n, ok := x["size_bytes"].(float64); ok {
			a.SizeBytes = int(n)
		}
		return a, true
	}
	return Attachment{}, false
}

// Entity is a named entity extracted by the analysis model. It is written
// as a bare string unless a type is known.
type Entity struct {
	Text string
	Type string
}

// UnmarshalJSON accepts a bare string or an object with text/Text and
// type/Type keys.
func (e *Entity) UnmarshalJSON(b []byte) error {
	*e = Entity{}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		e.Text = strings.TrimSpace(x)
	case map[string]any:
		e.Text = strings.TrimSpace(firstString(asString(x["Text"]), asString(x["text"])))
		e.Type = strings.TrimSpace(firstString(asString(x["Type"]), asString(x["type"])))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e Entity) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return json.Marshal(e.Text)
	}
	return json.Marshal(struct {
		Text string `json:"text"`
		Type string `json:"type"`
	}{e.Text, e.Type})
}

// Analysis is the structured result of the external analysis service.
type Analysis struct {
	Summary  string   `json:"summary"`
	Intent   string   `json:"intent"`
	Priority string   `json:"priority"`
	Entities []Entity `json:"entities"`
}

// EntityTexts returns the non-empty entity texts in order.
func (a Analysis) EntityTexts() []string {
	out := make([]string, 0, len(a.Entities))
	for _, e := range a.Entities {
		if e.Text != "" {
			out = append(out, e.Text)
		}
	}
	return out
}

// Empty reports whether no analysis field carries a value.
func (a Analysis) Empty() bool {
	return a.Summary == "" && a.Intent == "" && a.Priority == "" && len(a.EntityTexts()) == 0
}

// AnalysisBlock decodes the "analysis" value of a payload. It accepts the
// flat form {summary,...}, the stage form {bedrock:{summary,...}} and the raw
// model form {bedrock:{bedrock_json:{summary,...}}}; for each field the
// outermost non-empty value wins. Shape mismatches decode to empty values.
type AnalysisBlock struct {
	Analysis
	present bool
}

type analysisFields struct {
	Summary  Text            `json:"summary"`
	Intent   Text            `json:"intent"`
	Priority Text            `json:"priority"`
	Entities json.RawMessage `json:"entities"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (ab *AnalysisBlock) UnmarshalJSON(b []byte) error {
	*ab = AnalysisBlock{}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(b, &outer); err != nil {
		return nil
	}
	ab.present = true

	layers := []json.RawMessage{b}
	var bedrock map[string]json.RawMessage
	if raw, ok := outer["bedrock"]; ok && json.Unmarshal(raw, &bedrock) == nil {
		layers = append(layers, raw)
		if inner, ok := bedrock["bedrock_json"]; ok {
			layers = append(layers, inner)
		}
	}

	for _, layer := range layers {
		var f analysisFields
		if err := json.Unmarshal(layer, &f); err != nil {
			continue
		}
		if ab.Summary == "" {
			ab.Summary = f.Summary.String()
		}
		if ab.Intent == "" {
			ab.Intent = f.Intent.String()
		}
		if ab.Priority == "" {
			ab.Priority = f.Priority.String()
		}
		if len(ab.Entities) == 0 && len(f.Entities) > 0 {
			var ents []Entity
			if json.Unmarshal(f.Entities, &ents) == nil {
				ab.Entities = compactEntities(ents)
			}
		}
	}
	return nil
}

// Present reports whether the payload carried an analysis object at all.
func (ab AnalysisBlock) Present() bool { return ab.present }

func compactEntities(in []Entity) []Entity {
	out := make([]Entity, 0, len(in))
	for _, e := range in {
		if e.Text != "" {
			out = append(out, e)
		}
	}
	return out
}

// S3Ref locates an object in the object store.
type S3Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// FileRef describes a stored artifact as passed between the report,
// notification, distribution and persistence stages.
type FileRef struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Filename string `json:"filename,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	S3URL    string `json:"s3_url,omitempty"`
	CFURL    string `json:"cf_url,omitempty"`
	URL      string `json:"url,omitempty"`
}

// HasLocation reports whether both bucket and key are known.
func (f FileRef) HasLocation() bool { return f.Bucket != "" && f.Key != "" }

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
