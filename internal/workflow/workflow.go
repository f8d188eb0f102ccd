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

// Package workflow starts pipeline runs on the external orchestrator
// (AWS Step Functions).
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/google/uuid"
)

// Execution identifies a started workflow run.
type Execution struct {
	ARN       string    `json:"executionArn"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"startedAt"`
}

// stepFunctionsAPI is the subset of the Step Functions client we use.
type stepFunctionsAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// Starter starts executions of a single state machine.
type Starter struct {
	api             stepFunctionsAPI
	stateMachineARN string
}

// NewStarter creates a Starter for the given state machine.
func NewStarter(api stepFunctionsAPI, stateMachineARN string) *Starter {
	return &Starter{api: api, stateMachineARN: stateMachineARN}
}

// Start launches one execution with input serialised as JSON. Each
// execution gets a fresh UUID name.
func (s *Starter) Start(ctx context.Context, input any) (Execution, error) {
	if s.stateMachineARN == "" {
		return Execution{}, fmt.Errorf("state machine ARN not configured")
	}

	body, err := json.Marshal(input)
	if err != nil {
		return Execution{}, fmt.Errorf("marshal execution input: %w", err)
	}

	name := uuid.New().String()
	out, err := s.api.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(body)),
	})
	if err != nil {
		return Execution{}, fmt.Errorf("start execution: %w", err)
	}

	exec := Execution{
		ARN:       aws.ToString(out.ExecutionArn),
		Name:      name,
		StartedAt: aws.ToTime(out.StartDate),
	}
	slog.Info("workflow execution started",
		"execution_arn", exec.ARN,
		"name", name,
	)
	return exec, nil
}
