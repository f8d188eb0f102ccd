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

// Package models defines the data structures shared across the pipeline
// stages: the parsed email record, the tolerant payload field types and the
// persisted sync record.
package models

// Attachment describes a file attached to an email. Content is never carried.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int    `json:"size_bytes"`
}

// Email is the parsed form of a raw message stored in the object store.
// It is built once by the MIME parser and only read afterwards.
type Email struct {
	Bucket string `json:"-"`
	Key    string `json:"-"`

	Headers     map[string]string `json:"headers"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	CC          string            `json:"cc"`
	Date        string            `json:"date"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	Attachments []Attachment      `json:"attachments"`
}

// EmailSummary is the compact projection returned by the analysis forwarder.
type EmailSummary struct {
	Subject          string `json:"subject"`
	From             string `json:"from"`
	To               string `json:"to"`
	HasHTML          bool   `json:"has_html"`
	HasText          bool   `json:"has_text"`
	AttachmentsCount int    `json:"attachments_count"`
}

// Summary projects the email into its summary form.
func (e *Email) Summary() EmailSummary {
	return EmailSummary{
		Subject:          e.Subject,
		From:             e.From,
		To:               e.To,
		HasHTML:          e.HTML != "",
		HasText:          e.Text != "",
		AttachmentsCount: len(e.Attachments),
	}
}

// Meta projects the email into the meta block consumed by later stages.
func (e *Email) Meta() Meta {
	atts := make([]Attachment, len(e.Attachments))
	copy(atts, e.Attachments)
	return Meta{
		Subject:     e.Subject,
		From:        e.From,
		To:          e.To,
		CC:          e.CC,
		Date:        e.Date,
		Text:        e.Text,
		Attachments: atts,
	}
}
