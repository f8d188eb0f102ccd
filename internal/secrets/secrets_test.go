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

package secrets

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSM struct{ out *secretsmanager.GetSecretValueOutput }

func (f fakeSM) GetSecretValue(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.out, nil
}

type fakeSSM struct{ gotDecrypt bool }

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.gotDecrypt = aws.ToBool(in.WithDecryption)
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String("X-Api-Key: abc")}}, nil
}

func TestSecretStore_StringAndBinary(t *testing.T) {
	s := NewSecretStore(fakeSM{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"acme":{}}`)}})
	v, err := s.GetSecret(context.Background(), "tenants")
	if err != nil || v != `{"acme":{}}` {
		t.Errorf("GetSecret = %q, %v", v, err)
	}

	s = NewSecretStore(fakeSM{out: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte("bin")}})
	v, err = s.GetSecret(context.Background(), "tenants")
	if err != nil || v != "bin" {
		t.Errorf("GetSecret binary = %q, %v", v, err)
	}
}

func TestParameterStore_Decrypts(t *testing.T) {
	api := &fakeSSM{}
	v, err := NewParameterStore(api).GetParameter(context.Background(), "/p/acme/auth_header")
	if err != nil || v != "X-Api-Key: abc" {
		t.Errorf("GetParameter = %q, %v", v, err)
	}
	if !api.gotDecrypt {
		t.Error("expected WithDecryption=true")
	}
}
