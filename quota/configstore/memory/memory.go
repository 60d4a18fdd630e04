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

// Package memory holds an in-process configstore.Store for tests and
// single-node development. Nothing is persisted across restarts.
package memory

import (
	"context"
	"sync"

	"github.com/flyer-me/weautotools/quota"
	"github.com/flyer-me/weautotools/quota/configstore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// StoreName identifies the in-memory config store implementation.
const StoreName = "memory"

func init() {
	if err := configstore.RegisterProvider(StoreName, func(context.Context) (configstore.Store, error) {
		klog.Info("Using in-memory config store")
		return New(), nil
	}); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

type row struct {
	cfg     quota.Config
	deleted bool
}

// Store implements configstore.Store entirely in memory.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]*row
	events []*quota.UsageEvent
}

var _ configstore.Store = &Store{}

// New returns an empty Store.
func New() *Store {
	return &Store{nextID: 1, rows: make(map[int64]*row)}
}

// FindEnabled implements quota.ConfigSource.FindEnabled.
func (s *Store) FindEnabled(ctx context.Context, kind quota.ScopeKind, scope string, class quota.SubjectClass, w quota.Window) (*quota.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows {
		if r.deleted || !r.cfg.Enabled {
			continue
		}
		if r.cfg.ScopeKind == kind && r.cfg.Scope == scope && r.cfg.SubjectClass == class && r.cfg.Window == w {
			cfg := r.cfg
			return &cfg, nil
		}
	}
	return nil, nil
}

// CreateConfig implements configstore.Store.CreateConfig.
func (s *Store) CreateConfig(ctx context.Context, cfg *quota.Config) (*quota.Config, error) {
	if err := configstore.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *cfg
	stored.ID = s.nextID
	if stored.Enabled {
		if err := s.checkCollision(&stored); err != nil {
			return nil, err
		}
	}
	s.nextID++
	s.rows[stored.ID] = &row{cfg: stored}
	out := stored
	return &out, nil
}

// UpdateConfig implements configstore.Store.UpdateConfig.
func (s *Store) UpdateConfig(ctx context.Context, id int64, update func(*quota.Config)) (*quota.Config, error) {
	if update == nil {
		return nil, status.Error(codes.Internal, "update function required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok || r.deleted {
		return nil, status.Errorf(codes.NotFound, "config %v not found", id)
	}
	updated := r.cfg
	update(&updated)
	updated.ID = id
	if err := configstore.ValidateConfig(&updated); err != nil {
		return nil, err
	}
	if updated.Enabled {
		if err := s.checkCollision(&updated); err != nil {
			return nil, err
		}
	}
	r.cfg = updated
	out := updated
	return &out, nil
}

// DeleteConfig implements configstore.Store.DeleteConfig.
func (s *Store) DeleteConfig(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok || r.deleted {
		return status.Errorf(codes.NotFound, "config %v not found", id)
	}
	r.deleted = true
	return nil
}

// ListConfigs implements configstore.Store.ListConfigs.
func (s *Store) ListConfigs(ctx context.Context) ([]*quota.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*quota.Config{}
	for _, r := range s.rows {
		if r.deleted {
			continue
		}
		cfg := r.cfg
		out = append(out, &cfg)
	}
	return out, nil
}

// SetEnabled implements configstore.Store.SetEnabled.
func (s *Store) SetEnabled(ctx context.Context, ids []int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All-or-nothing: verify the whole batch before flipping any bit.
	batch := make(map[quota.Config]int64)
	for _, id := range ids {
		r, ok := s.rows[id]
		if !ok || r.deleted {
			return status.Errorf(codes.NotFound, "config %v not found", id)
		}
		if enabled && !r.cfg.Enabled {
			candidate := r.cfg
			candidate.Enabled = true
			if err := s.checkCollision(&candidate); err != nil {
				return err
			}
			key := quota.Config{ScopeKind: r.cfg.ScopeKind, Scope: r.cfg.Scope, SubjectClass: r.cfg.SubjectClass, Window: r.cfg.Window}
			if other, dup := batch[key]; dup {
				return status.Errorf(codes.AlreadyExists, "configs %v and %v in the same batch cover %v", other, id, candidate.Name())
			}
			batch[key] = id
		}
	}
	for _, id := range ids {
		s.rows[id].cfg.Enabled = enabled
	}
	return nil
}

// RecordUsage implements quota.UsageRecorder.RecordUsage.
func (s *Store) RecordUsage(ctx context.Context, ev *quota.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ev
	s.events = append(s.events, &copied)
	return nil
}

// UsageEvents returns a snapshot of the recorded events, oldest first.
func (s *Store) UsageEvents() []*quota.UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*quota.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

// checkCollision enforces at most one enabled config per
// (scope kind, scope, subject class, window). Callers must hold s.mu.
func (s *Store) checkCollision(cfg *quota.Config) error {
	for _, r := range s.rows {
		if r.deleted || !r.cfg.Enabled || r.cfg.ID == cfg.ID {
			continue
		}
		if r.cfg.ScopeKind == cfg.ScopeKind && r.cfg.Scope == cfg.Scope && r.cfg.SubjectClass == cfg.SubjectClass && r.cfg.Window == cfg.Window {
			return status.Errorf(codes.AlreadyExists, "enabled config %v already covers %v", r.cfg.ID, cfg.Name())
		}
	}
	return nil
}
