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

package quota

import (
	"context"
	"errors"
	"testing"
)

type sourceKey struct {
	kind  ScopeKind
	scope string
	class SubjectClass
	w     Window
}

// fakeSource is an in-memory ConfigSource for resolver tests.
type fakeSource struct {
	configs map[sourceKey]*Config
	err     error
}

func (f *fakeSource) FindEnabled(_ context.Context, kind ScopeKind, scope string, class SubjectClass, w Window) (*Config, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.configs[sourceKey{kind, scope, class, w}], nil
}

func (f *fakeSource) add(cfg *Config) {
	if f.configs == nil {
		f.configs = make(map[sourceKey]*Config)
	}
	f.configs[sourceKey{cfg.ScopeKind, cfg.Scope, cfg.SubjectClass, cfg.Window}] = cfg
}

func qrCatalog(_ context.Context, resourceID string) (string, bool) {
	if resourceID == "qr-generate" || resourceID == "qr-decode" {
		return "qr", true
	}
	return "", false
}

func TestTieredResolverPrecedence(t *testing.T) {
	ctx := context.Background()

	resourceCfg := &Config{ScopeKind: ScopeResource, Scope: "qr-generate", SubjectClass: Anonymous, Window: Daily, Limit: 10, Enabled: true}
	typeCfg := &Config{ScopeKind: ScopeResourceType, Scope: "qr", SubjectClass: Anonymous, Window: Daily, Limit: 5, Enabled: true}
	defaultCfg := &Config{ScopeKind: ScopeDefault, Scope: DefaultScope, SubjectClass: Anonymous, Window: Daily, Limit: 3, Enabled: true}

	for _, test := range []struct {
		desc    string
		configs []*Config
		want    int64
	}{
		{
			desc:    "resource level wins",
			configs: []*Config{resourceCfg, typeCfg, defaultCfg},
			want:    10,
		},
		{
			desc:    "falls back to type level",
			configs: []*Config{typeCfg, defaultCfg},
			want:    5,
		},
		{
			desc:    "falls back to default",
			configs: []*Config{defaultCfg},
			want:    3,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			src := &fakeSource{}
			for _, cfg := range test.configs {
				src.add(cfg)
			}
			r := NewTieredResolver(src, qrCatalog)
			cfg, err := r.Resolve(ctx, "qr-generate", Anonymous, Daily)
			if err != nil {
				t.Fatalf("Resolve() returned error: %v", err)
			}
			if cfg == nil {
				t.Fatal("Resolve() = nil, want config")
			}
			if cfg.Limit != test.want {
				t.Errorf("Resolve().Limit = %v, want %v", cfg.Limit, test.want)
			}
		})
	}
}

func TestTieredResolverPerWindowIndependence(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	// HOURLY comes from tier 1, DAILY only exists at tier 3.
	src.add(&Config{ScopeKind: ScopeResource, Scope: "qr-generate", SubjectClass: Anonymous, Window: Hourly, Limit: 4, Enabled: true})
	src.add(&Config{ScopeKind: ScopeDefault, Scope: DefaultScope, SubjectClass: Anonymous, Window: Daily, Limit: 3, Enabled: true})
	r := NewTieredResolver(src, qrCatalog)

	hourly, err := r.Resolve(ctx, "qr-generate", Anonymous, Hourly)
	if err != nil || hourly == nil || hourly.Limit != 4 {
		t.Errorf("Resolve(HOURLY) = %+v, %v; want limit 4", hourly, err)
	}
	daily, err := r.Resolve(ctx, "qr-generate", Anonymous, Daily)
	if err != nil || daily == nil || daily.Limit != 3 {
		t.Errorf("Resolve(DAILY) = %+v, %v; want limit 3", daily, err)
	}
}

func TestTieredResolverUnknownResourceSkipsTypeTier(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(&Config{ScopeKind: ScopeDefault, Scope: DefaultScope, SubjectClass: Anonymous, Window: Daily, Limit: 3, Enabled: true})
	r := NewTieredResolver(src, qrCatalog)

	cfg, err := r.Resolve(ctx, "not-in-catalog", Anonymous, Daily)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if cfg == nil || cfg.ScopeKind != ScopeDefault {
		t.Errorf("Resolve() = %+v, want default-scope config", cfg)
	}
}

func TestTieredResolverNoConfig(t *testing.T) {
	r := NewTieredResolver(&fakeSource{}, nil)
	cfg, err := r.Resolve(context.Background(), "qr-generate", Authenticated, Daily)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if cfg != nil {
		t.Errorf("Resolve() = %+v, want nil (unlimited)", cfg)
	}
}

func TestTieredResolverPropagatesErrors(t *testing.T) {
	wantErr := errors.New("store down")
	r := NewTieredResolver(&fakeSource{err: wantErr}, nil)
	if _, err := r.Resolve(context.Background(), "qr-generate", Anonymous, Daily); !errors.Is(err, wantErr) {
		t.Errorf("Resolve() error = %v, want %v", err, wantErr)
	}
}
