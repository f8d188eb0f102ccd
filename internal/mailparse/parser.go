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

// Package mailparse converts raw RFC 5322 messages into the pipeline's email
// record and extracts the delivery recipient.
package mailparse

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/bcem/mailpipe/internal/models"
)

// recipientHeaders are scanned in order for the delivery address.
var recipientHeaders = []string{"To", "Delivered-To", "X-Original-To"}

// Parse reads a raw message into an Email record.
func Parse(raw []byte, bucket, key string) (*models.Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", key, err)
	}

	keys := env.GetHeaderKeys()
	headers := make(map[string]string, len(keys))
	for _, k := range keys {
		headers[k] = env.GetHeader(k)
	}

	attachments := make([]models.Attachment, 0, len(env.Attachments))
	for _, p := range env.Attachments {
		name := p.FileName
		if name == "" {
			name = "attachment"
		}
		attachments = append(attachments, models.Attachment{
			Filename:    name,
			ContentType: p.ContentType,
			SizeBytes:   len(p.Content),
		})
	}

	return &models.Email{
		Bucket:      bucket,
		Key:         key,
		Headers:     headers,
		Subject:     env.GetHeader("Subject"),
		From:        env.GetHeader("From"),
		To:          env.GetHeader("To"),
		CC:          env.GetHeader("Cc"),
		Date:        env.GetHeader("Date"),
		Text:        env.Text,
		HTML:        env.HTML,
		Attachments: attachments,
	}, nil
}

// FirstRecipient returns the first address found in To, Delivered-To or
// X-Original-To, lowercased and without display name.
func FirstRecipient(raw []byte) (string, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse message headers: %w", err)
	}
	for _, h := range recipientHeaders {
		for _, v := range env.GetHeaderValues(h) {
			if addr := firstAddress(v); addr != "" {
				return addr, nil
			}
		}
	}
	return "", nil
}

// firstAddress extracts the first entry of an address list that contains
// an @. Malformed lists are split on commas and read entry by entry.
func firstAddress(value string) string {
	if list, err := mail.ParseAddressList(value); err == nil {
		for _, a := range list {
			if strings.Contains(a.Address, "@") {
				return normalize(a.Address)
			}
		}
		return ""
	}

	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := mail.ParseAddress(part); err == nil && strings.Contains(a.Address, "@") {
			return normalize(a.Address)
		}
		if i, j := strings.LastIndex(part, "<"), strings.LastIndex(part, ">"); i >= 0 && j > i {
			part = part[i+1 : j]
		}
		if strings.Contains(part, "@") && !strings.ContainsAny(part, " \t") {
			return normalize(part)
		}
	}
	return ""
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
