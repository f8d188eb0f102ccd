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

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/google/uuid"
)

type fakeSFN struct {
	inputs []*sfn.StartExecutionInput
	err    error
}

func (f *fakeSFN) StartExecution(_ context.Context, in *sfn.StartExecutionInput, _ ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sfn.StartExecutionOutput{ExecutionArn: aws.String("arn:exec:" + aws.ToString(in.Name))}, nil
}

func TestStarter_Start(t *testing.T) {
	api := &fakeSFN{}
	s := NewStarter(api, "arn:sm:pipeline")

	exec, err := s.Start(context.Background(), map[string]string{"bucket": "b", "key": "k", "email": "a@x.io"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(api.inputs) != 1 {
		t.Fatalf("expected 1 call, got %d", len(api.inputs))
	}
	in := api.inputs[0]
	if aws.ToString(in.StateMachineArn) != "arn:sm:pipeline" {
		t.Errorf("state machine = %q", aws.ToString(in.StateMachineArn))
	}
	if _, err := uuid.Parse(aws.ToString(in.Name)); err != nil {
		t.Errorf("execution name %q is not a UUID", aws.ToString(in.Name))
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(in.Input)), &body); err != nil {
		t.Fatalf("input is not JSON: %v", err)
	}
	if body["email"] != "a@x.io" {
		t.Errorf("input = %v", body)
	}
	if exec.ARN != "arn:exec:"+exec.Name {
		t.Errorf("exec = %+v", exec)
	}
}

func TestStarter_Errors(t *testing.T) {
	if _, err := NewStarter(&fakeSFN{}, "").Start(context.Background(), nil); err == nil {
		t.Error("expected error without state machine ARN")
	}
	api := &fakeSFN{err: errors.New("throttled")}
	if _, err := NewStarter(api, "arn").Start(context.Background(), nil); err == nil {
		t.Error("expected API error to propagate")
	}
}
