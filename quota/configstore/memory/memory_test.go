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

package memory

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/flyer-me/weautotools/quota"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func anonDaily(scope string, kind quota.ScopeKind, limit int64) *quota.Config {
	return &quota.Config{
		ScopeKind:    kind,
		Scope:        scope,
		SubjectClass: quota.Anonymous,
		Window:       quota.Daily,
		Limit:        limit,
		Enabled:      true,
	}
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateConfig(ctx, anonDaily("qr-generate", quota.ScopeResource, 10))
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if created.ID == 0 {
		t.Error("CreateConfig did not assign an ID")
	}

	found, err := s.FindEnabled(ctx, quota.ScopeResource, "qr-generate", quota.Anonymous, quota.Daily)
	if err != nil {
		t.Fatalf("FindEnabled: %v", err)
	}
	if diff := cmp.Diff(created, found); diff != "" {
		t.Errorf("FindEnabled diff (-created +found):\n%v", diff)
	}

	// Other windows and classes stay unconfigured.
	if got, _ := s.FindEnabled(ctx, quota.ScopeResource, "qr-generate", quota.Anonymous, quota.Hourly); got != nil {
		t.Errorf("FindEnabled(Hourly) = %+v, want nil", got)
	}
	if got, _ := s.FindEnabled(ctx, quota.ScopeResource, "qr-generate", quota.Authenticated, quota.Daily); got != nil {
		t.Errorf("FindEnabled(Authenticated) = %+v, want nil", got)
	}
}

func TestCreateRejectsCollision(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.CreateConfig(ctx, anonDaily("qr-generate", quota.ScopeResource, 10)); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	_, err := s.CreateConfig(ctx, anonDaily("qr-generate", quota.ScopeResource, 5))
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("duplicate CreateConfig err = %v, want AlreadyExists", err)
	}

	// A disabled duplicate is fine; it only collides once enabled.
	dup := anonDaily("qr-generate", quota.ScopeResource, 5)
	dup.Enabled = false
	created, err := s.CreateConfig(ctx, dup)
	if err != nil {
		t.Fatalf("disabled duplicate CreateConfig: %v", err)
	}
	if err := s.SetEnabled(ctx, []int64{created.ID}, true); status.Code(err) != codes.AlreadyExists {
		t.Errorf("SetEnabled on colliding config err = %v, want AlreadyExists", err)
	}
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateConfig(ctx, anonDaily("qr-generate", quota.ScopeResource, 10))
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}

	updated, err := s.UpdateConfig(ctx, created.ID, func(c *quota.Config) {
		c.Limit = 20
		c.ID = 999 // must be ignored
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if updated.ID != created.ID || updated.Limit != 20 {
		t.Errorf("UpdateConfig = %+v, want ID %v and limit 20", updated, created.ID)
	}

	if _, err := s.UpdateConfig(ctx, created.ID, func(c *quota.Config) { c.Limit = -1 }); status.Code(err) != codes.InvalidArgument {
		t.Errorf("invalid update err = %v, want InvalidArgument", err)
	}
	if _, err := s.UpdateConfig(ctx, 12345, func(c *quota.Config) {}); status.Code(err) != codes.NotFound {
		t.Errorf("update of missing config err = %v, want NotFound", err)
	}
}

func TestDeleteConfigHidesFromReads(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateConfig(ctx, anonDaily("qr-generate", quota.ScopeResource, 10))
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if err := s.DeleteConfig(ctx, created.ID); err != nil {
		t.Fatalf("DeleteConfig: %v", err)
	}

	if got, _ := s.FindEnabled(ctx, quota.ScopeResource, "qr-generate", quota.Anonymous, quota.Daily); got != nil {
		t.Errorf("FindEnabled after delete = %+v, want nil", got)
	}
	if cfgs, _ := s.ListConfigs(ctx); len(cfgs) != 0 {
		t.Errorf("ListConfigs after delete = %v entries, want 0", len(cfgs))
	}
	if err := s.DeleteConfig(ctx, created.ID); status.Code(err) != codes.NotFound {
		t.Errorf("double delete err = %v, want NotFound", err)
	}

	// The slot is free for a replacement config.
	if _, err := s.CreateConfig(ctx, anonDaily("qr-generate", quota.ScopeResource, 5)); err != nil {
		t.Errorf("CreateConfig after delete: %v", err)
	}
}

func TestListConfigs(t *testing.T) {
	ctx := context.Background()
	s := New()

	want := []int64{}
	for _, scope := range []string{"qr-generate", "qr-decode", "image-compress"} {
		created, err := s.CreateConfig(ctx, anonDaily(scope, quota.ScopeResource, 10))
		if err != nil {
			t.Fatalf("CreateConfig(%v): %v", scope, err)
		}
		want = append(want, created.ID)
	}

	cfgs, err := s.ListConfigs(ctx)
	if err != nil {
		t.Fatalf("ListConfigs: %v", err)
	}
	got := []int64{}
	for _, cfg := range cfgs {
		got = append(got, cfg.ID)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListConfigs IDs diff (-want +got):\n%v", diff)
	}
}

func TestSetEnabledBatch(t *testing.T) {
	ctx := context.Background()
	s := New()

	ids := []int64{}
	for _, scope := range []string{"qr-generate", "qr-decode"} {
		created, err := s.CreateConfig(ctx, anonDaily(scope, quota.ScopeResource, 10))
		if err != nil {
			t.Fatalf("CreateConfig(%v): %v", scope, err)
		}
		ids = append(ids, created.ID)
	}

	if err := s.SetEnabled(ctx, ids, false); err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}
	if got, _ := s.FindEnabled(ctx, quota.ScopeResource, "qr-generate", quota.Anonymous, quota.Daily); got != nil {
		t.Errorf("FindEnabled after disable = %+v, want nil", got)
	}

	if err := s.SetEnabled(ctx, ids, true); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	if got, _ := s.FindEnabled(ctx, quota.ScopeResource, "qr-generate", quota.Anonymous, quota.Daily); got == nil {
		t.Error("FindEnabled after re-enable = nil, want config")
	}

	// A batch containing a missing ID changes nothing.
	if err := s.SetEnabled(ctx, []int64{ids[0], 12345}, false); status.Code(err) != codes.NotFound {
		t.Fatalf("SetEnabled with missing ID err = %v, want NotFound", err)
	}
	if got, _ := s.FindEnabled(ctx, quota.ScopeResource, "qr-generate", quota.Anonymous, quota.Daily); got == nil {
		t.Error("config was disabled by a failed batch")
	}
}

func TestSetEnabledRejectsIntraBatchCollision(t *testing.T) {
	ctx := context.Background()
	s := New()

	ids := []int64{}
	for _, limit := range []int64{10, 5} {
		cfg := anonDaily("qr-generate", quota.ScopeResource, limit)
		cfg.Enabled = false
		created, err := s.CreateConfig(ctx, cfg)
		if err != nil {
			t.Fatalf("CreateConfig: %v", err)
		}
		ids = append(ids, created.ID)
	}
	if err := s.SetEnabled(ctx, ids, true); status.Code(err) != codes.AlreadyExists {
		t.Errorf("SetEnabled of colliding batch err = %v, want AlreadyExists", err)
	}
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()
	s := New()

	ev := &quota.UsageEvent{
		Subject:      "anon:abcd1234",
		SubjectClass: quota.Anonymous,
		ResourceID:   "qr-generate",
		When:         time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC),
		SourceIP:     "203.0.113.9",
	}
	if err := s.RecordUsage(ctx, ev); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	got := s.UsageEvents()
	if len(got) != 1 {
		t.Fatalf("UsageEvents = %v entries, want 1", len(got))
	}
	if diff := cmp.Diff(ev, got[0]); diff != "" {
		t.Errorf("recorded event diff (-want +got):\n%v", diff)
	}
}
