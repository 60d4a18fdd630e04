// Copyright 2025 WeAutoTools Authors. All Rights Reserved.
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

package configstore

import (
	"context"
	"testing"

	"github.com/flyer-me/weautotools/quota"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestValidateConfig(t *testing.T) {
	valid := quota.Config{
		ScopeKind:    quota.ScopeResource,
		Scope:        "qr-generate",
		SubjectClass: quota.Anonymous,
		Window:       quota.Daily,
		Limit:        10,
		Enabled:      true,
	}

	tests := []struct {
		desc    string
		mutate  func(*quota.Config)
		wantErr bool
	}{
		{desc: "valid resource config"},
		{
			desc:   "valid type config",
			mutate: func(c *quota.Config) { c.ScopeKind = quota.ScopeResourceType; c.Scope = "generator" },
		},
		{
			desc:   "valid default config",
			mutate: func(c *quota.Config) { c.ScopeKind = quota.ScopeDefault; c.Scope = quota.DefaultScope },
		},
		{
			desc:   "zero limit denies all",
			mutate: func(c *quota.Config) { c.Limit = 0 },
		},
		{
			desc:    "empty scope",
			mutate:  func(c *quota.Config) { c.Scope = "" },
			wantErr: true,
		},
		{
			desc:    "reserved scope on resource config",
			mutate:  func(c *quota.Config) { c.Scope = quota.DefaultScope },
			wantErr: true,
		},
		{
			desc:    "default kind with non-default scope",
			mutate:  func(c *quota.Config) { c.ScopeKind = quota.ScopeDefault },
			wantErr: true,
		},
		{
			desc:    "negative limit",
			mutate:  func(c *quota.Config) { c.Limit = -1 },
			wantErr: true,
		},
		{
			desc:    "unknown scope kind",
			mutate:  func(c *quota.Config) { c.ScopeKind = quota.ScopeKind(42) },
			wantErr: true,
		},
		{
			desc:    "unknown subject class",
			mutate:  func(c *quota.Config) { c.SubjectClass = quota.SubjectClass(42) },
			wantErr: true,
		},
		{
			desc:    "unknown window",
			mutate:  func(c *quota.Config) { c.Window = quota.Window(42) },
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			cfg := valid
			if test.mutate != nil {
				test.mutate(&cfg)
			}
			err := ValidateConfig(&cfg)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("ValidateConfig() = %v, wantErr = %v", err, test.wantErr)
			}
			if err != nil {
				if s, ok := status.FromError(err); !ok || s.Code() != codes.InvalidArgument {
					t.Errorf("ValidateConfig() code = %v, want %v", status.Code(err), codes.InvalidArgument)
				}
			}
		})
	}
}

func TestValidateNilConfig(t *testing.T) {
	if err := ValidateConfig(nil); status.Code(err) != codes.InvalidArgument {
		t.Errorf("ValidateConfig(nil) = %v, want InvalidArgument", err)
	}
}

func TestNewStoreUnknownBackend(t *testing.T) {
	if _, err := NewStore(context.Background(), "no-such-backend"); err == nil {
		t.Error("NewStore(no-such-backend) returned nil error")
	}
}
