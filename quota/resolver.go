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

import "context"

// TieredResolver resolves limits through the three-tier fallback: a config
// bound to the specific resource wins over one bound to the resource's
// catalog type, which wins over the deployment default. Tiers are evaluated
// independently per window type; the first enabled match is returned without
// merging.
type TieredResolver struct {
	src          ConfigSource
	resourceType ResourceTypeFunc
}

var _ Resolver = &TieredResolver{}

// NewTieredResolver builds a resolver over the given config source.
// resourceType may be nil, in which case the type tier is never consulted.
func NewTieredResolver(src ConfigSource, resourceType ResourceTypeFunc) *TieredResolver {
	return &TieredResolver{src: src, resourceType: resourceType}
}

// Resolve implements Resolver.
func (r *TieredResolver) Resolve(ctx context.Context, resourceID string, class SubjectClass, w Window) (*Config, error) {
	cfg, err := r.src.FindEnabled(ctx, ScopeResource, resourceID, class, w)
	if err != nil || cfg != nil {
		return cfg, err
	}

	if r.resourceType != nil {
		if rt, ok := r.resourceType(ctx, resourceID); ok {
			cfg, err = r.src.FindEnabled(ctx, ScopeResourceType, rt, class, w)
			if err != nil || cfg != nil {
				return cfg, err
			}
		}
	}

	return r.src.FindEnabled(ctx, ScopeDefault, DefaultScope, class, w)
}
