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

// SyncStatus is the delivery state of a stored artifact.
//
//	pending -> dispatched -> stored | completed | failed
//
// Transitions are not enforced: external systems may re-open a record by
// writing any valid status.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncDispatched SyncStatus = "dispatched"
	SyncFailed     SyncStatus = "failed"
	SyncStored     SyncStatus = "stored"
	SyncCompleted  SyncStatus = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncDispatched, SyncFailed, SyncStored, SyncCompleted:
		return true
	}
	return false
}

// Terminal reports whether s ends the normal delivery flow.
func (s SyncStatus) Terminal() bool {
	return s == SyncFailed || s == SyncStored || s == SyncCompleted
}

// SyncRecord is one row of the per-tenant file sync table.
type SyncRecord struct {
	ID               int64
	CreatedAt        int64 // epoch millis
	UpdatedAt        int64 // epoch millis
	TenantID         string
	Filename         string
	S3URL            string
	CFURL            string
	S3Bucket         string
	S3Key            string
	SizeBytes        int64
	DeliveredTo      []string
	SyncStatus       SyncStatus
	MetaSubject      string
	MetaFrom         string
	MetaTo           string
	MetaCC           string
	AnalysisSummary  string
	AnalysisIntent   string
	AnalysisPriority string
	AnalysisEntities []Entity
}
