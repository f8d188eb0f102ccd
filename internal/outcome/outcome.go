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

// Package outcome defines the failure shapes shared by every stage.
//
// Stages report expected conditions (tenant not found, no recipient, empty
// text) as ordinary results carrying ok=false and a reason. Unexpected errors
// are returned as Go errors and converted to a Failure by the pipeline
// boundary. A Fault is an error that must reach the caller untouched so the
// orchestrator can retry or stop the run.
package outcome

import (
	"errors"
	"fmt"
)

// Failure is the structured result produced when a stage fails.
type Failure struct {
	OK         bool              `json:"ok"`
	Stage      string            `json:"stage"`
	TenantID   string            `json:"tenantId,omitempty"`
	Error      string            `json:"error"`
	ErrorClass string            `json:"error_class,omitempty"`
	Where      string            `json:"where,omitempty"`
	Keys       map[string]string `json:"keys,omitempty"`
}

// StageError annotates an error with the tenant and object keys that were
// being processed, so the failure record carries enough context to replay.
type StageError struct {
	TenantID string
	Class    string
	Keys     map[string]string
	Err      error
}

func (e *StageError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Annotate wraps err with tenant and key context. A nil err stays nil.
func Annotate(err error, tenantID, class string, keys map[string]string) error {
	if err == nil {
		return nil
	}
	return &StageError{TenantID: tenantID, Class: class, Keys: keys, Err: err}
}

// Fault is an error that the pipeline boundary must propagate instead of
// converting into a Failure.
type Fault struct {
	Err error
}

func (f *Fault) Error() string { return f.Err.Error() }

func (f *Fault) Unwrap() error { return f.Err }

// Propagate marks err as a Fault.
func Propagate(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Err: err}
}

// IsFault reports whether err (or anything it wraps) is a Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// FromError builds the Failure for err raised by the named stage.
func FromError(stage string, err error) Failure {
	f := Failure{
		OK:    false,
		Stage: stage,
		Where: stage,
		Error: truncate(err.Error(), 4000),
	}
	var se *StageError
	if errors.As(err, &se) {
		f.TenantID = se.TenantID
		f.ErrorClass = se.Class
		f.Keys = se.Keys
	}
	return f
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
