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

// Package configstore defines the persistence contract for quota
// configurations and usage events, plus a registry of interchangeable
// storage backends selected by flag.
//
// Configs are soft-deleted and versioned by update time; decision reads
// (FindEnabled) see a consistent snapshot per call but are not
// transactional with concurrent writes, so an in-flight check may apply a
// config that was just disabled. That window is accepted.
package configstore

import (
	"context"
	"flag"
	"fmt"
	"sync"

	"github.com/flyer-me/weautotools/quota"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Backend is a flag specifying which config store backend is in use.
var Backend = flag.String("configstore_backend", "mysql", fmt.Sprintf("Config store backend to use. One of: %v", backends()))

// Store persists quota configurations and usage events.
type Store interface {
	quota.ConfigSource
	quota.UsageRecorder

	// CreateConfig validates and persists a new config, returning it with
	// its assigned ID. An enabled config that collides with another
	// enabled config on (scope kind, scope, subject class, window) is
	// rejected with codes.AlreadyExists.
	CreateConfig(ctx context.Context, cfg *quota.Config) (*quota.Config, error)

	// UpdateConfig applies update to the stored config with the given ID
	// and persists the result, subject to the same validation and
	// collision rules as CreateConfig. The ID itself cannot change.
	UpdateConfig(ctx context.Context, id int64, update func(*quota.Config)) (*quota.Config, error)

	// DeleteConfig soft-deletes the config, removing it from decision
	// reads and listings but keeping the row for audit.
	DeleteConfig(ctx context.Context, id int64) error

	// ListConfigs returns all live configs, enabled or not.
	ListConfigs(ctx context.Context) ([]*quota.Config, error)

	// SetEnabled flips the enabled bit of several configs in one
	// transaction; enabling is subject to the collision rule and the
	// whole batch fails if any member collides.
	SetEnabled(ctx context.Context, ids []int64, enabled bool) error
}

// ValidateConfig checks a config for storage. Backends call it before any
// write; callers may use it for early feedback.
func ValidateConfig(cfg *quota.Config) error {
	if cfg == nil {
		return status.Error(codes.InvalidArgument, "config required")
	}
	switch cfg.ScopeKind {
	case quota.ScopeResource, quota.ScopeResourceType:
		if cfg.Scope == "" {
			return status.Errorf(codes.InvalidArgument, "scope is required for %v configs", cfg.ScopeKind)
		}
		if cfg.Scope == quota.DefaultScope {
			return status.Errorf(codes.InvalidArgument, "scope %q is reserved for %v configs", quota.DefaultScope, quota.ScopeDefault)
		}
	case quota.ScopeDefault:
		if cfg.Scope != quota.DefaultScope {
			return status.Errorf(codes.InvalidArgument, "%v configs must use scope %q (got %q)", quota.ScopeDefault, quota.DefaultScope, cfg.Scope)
		}
	default:
		return status.Errorf(codes.InvalidArgument, "unknown scope kind (%v)", int(cfg.ScopeKind))
	}
	switch cfg.SubjectClass {
	case quota.Anonymous, quota.Authenticated:
	default:
		return status.Errorf(codes.InvalidArgument, "unknown subject class (%v)", int(cfg.SubjectClass))
	}
	switch cfg.Window {
	case quota.Hourly, quota.Daily, quota.Total:
	default:
		return status.Errorf(codes.InvalidArgument, "unknown window (%v)", int(cfg.Window))
	}
	// A zero limit is a valid "deny all" config.
	if cfg.Limit < 0 {
		return status.Errorf(codes.InvalidArgument, "limit must be >= 0 (got %v)", cfg.Limit)
	}
	return nil
}

// NewStoreFunc is the signature of a function which can be registered to
// provide Store instances.
type NewStoreFunc func(ctx context.Context) (Store, error)

var (
	spMu     sync.RWMutex
	spByName map[string]NewStoreFunc
)

// RegisterProvider registers a function that provides Store instances.
func RegisterProvider(name string, sp NewStoreFunc) error {
	spMu.Lock()
	defer spMu.Unlock()

	if spByName == nil {
		spByName = make(map[string]NewStoreFunc)
	}

	if _, exists := spByName[name]; exists {
		return fmt.Errorf("config store provider %v already registered", name)
	}
	spByName[name] = sp
	return nil
}

func backends() []string {
	spMu.RLock()
	defer spMu.RUnlock()

	r := []string{}
	for k := range spByName {
		r = append(r, k)
	}
	return r
}

// NewStoreFromFlags returns a Store implementation as specified by flag.
func NewStoreFromFlags(ctx context.Context) (Store, error) {
	return NewStore(ctx, *Backend)
}

// NewStore returns a Store implementation.
func NewStore(ctx context.Context, name string) (Store, error) {
	spMu.RLock()
	defer spMu.RUnlock()

	f, exists := spByName[name]
	if !exists {
		return nil, fmt.Errorf("unknown config store backend: %v", name)
	}
	return f(ctx)
}
