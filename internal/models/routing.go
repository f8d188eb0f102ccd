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

// Routing tells downstream stages where a tenant's mail is stored and which
// analysis endpoint serves it. Every field is optional.
type Routing struct {
	NLBHost         string            `json:"nlb_host,omitempty"`
	Host            string            `json:"host,omitempty"`
	NLBPath         string            `json:"nlb_path,omitempty"`
	Path            string            `json:"path,omitempty"`
	Scheme          string            `json:"scheme,omitempty"`
	Port            Port              `json:"port,omitempty"`
	AuthHeaders     map[string]string `json:"auth_headers,omitempty"`
	S3Prefix        string            `json:"s3_prefix,omitempty"`
	S3Bucket        string            `json:"s3_bucket,omitempty"`
	SESIdentityHint string            `json:"ses_identity_hint,omitempty"`
}

// Port is a TCP port that may arrive as a number or a numeric string.
// Anything else decodes to zero.
type Port int

// UnmarshalJSON implements json.Unmarshaler.
func (p *Port) UnmarshalJSON(b []byte) error {
	*p = 0
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case float64:
		*p = Port(int(x))
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			*p = Port(n)
		}
	}
	if *p < 0 || *p > 65535 {
		*p = 0
	}
	return nil
}
