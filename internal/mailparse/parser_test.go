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

package mailparse

import (
	"strings"
	"testing"
)

const multipartMessage = "From: Bob <bob@example.com>\r\n" +
	"To: Alice <Alice@Acme.IO>\r\n" +
	"Cc: carol@example.com\r\n" +
	"Subject: Quarterly numbers\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XYZ\"\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Numbers attached.\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"q1.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--XYZ--\r\n"

func TestParse(t *testing.T) {
	email, err := Parse([]byte(multipartMessage), "inbound", "tenants/acme/emails/1.eml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if email.Subject != "Quarterly numbers" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if email.From != "Bob <bob@example.com>" {
		t.Errorf("From = %q", email.From)
	}
	if email.CC != "carol@example.com" {
		t.Errorf("CC = %q", email.CC)
	}
	if !strings.Contains(email.Text, "Numbers attached.") {
		t.Errorf("Text = %q", email.Text)
	}
	if len(email.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(email.Attachments))
	}
	att := email.Attachments[0]
	if att.Filename != "q1.pdf" || att.ContentType != "application/pdf" || att.SizeBytes != 9 {
		t.Errorf("attachment = %+v", att)
	}
	if email.Headers["Subject"] != "Quarterly numbers" {
		t.Errorf("headers missing Subject: %v", email.Headers)
	}

	sum := email.Summary()
	if !sum.HasText || sum.AttachmentsCount != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestFirstRecipient(t *testing.T) {
	tests := []struct {
		name    string
		headers string
		want    string
	}{
		{"to with display name", "To: Alice <Alice@Acme.IO>\r\n", "alice@acme.io"},
		{"delivered-to fallback", "To: undisclosed-recipients:;\r\nDelivered-To: ops@acme.io\r\n", "ops@acme.io"},
		{"x-original-to fallback", "X-Original-To: Team@Acme.io\r\n", "team@acme.io"},
		{"first of many", "To: a@acme.io, b@acme.io\r\n", "a@acme.io"},
		{"none", "Subject: hi\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "From: x@example.com\r\n" + tt.headers + "\r\nbody\r\n"
			got, err := FirstRecipient([]byte(raw))
			if err != nil {
				t.Fatalf("FirstRecipient: %v", err)
			}
			if got != tt.want {
				t.Errorf("FirstRecipient = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFirstAddress_Malformed(t *testing.T) {
	if got := firstAddress(`"Broken <ops@acme.io>`); got != "ops@acme.io" {
		t.Errorf("firstAddress = %q", got)
	}
	if got := firstAddress("no address here"); got != "" {
		t.Errorf("firstAddress = %q", got)
	}
}
