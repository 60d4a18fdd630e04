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

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/flyer-me/weautotools/util/clock"
	"github.com/go-redis/redis"
)

const blacklistKeyPrefix = "blacklist:"

// RedisClient is an interface that encompasses the methods used by
// Blacklist, and allows selecting among different Redis client
// implementations.
type RedisClient interface {
	Set(key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(keys ...string) *redis.IntCmd
}

// Blacklist stores revocation markers for tokens in the shared store. Each
// marker carries a TTL equal to the token's residual validity, so markers
// disappear on their own once the token would have expired anyway; no
// explicit cleanup runs.
type Blacklist struct {
	c          RedisClient
	timeSource clock.TimeSource
}

// NewBlacklist returns a Blacklist using the provided Redis client.
// timeSource may be nil, defaulting to the system clock.
func NewBlacklist(client RedisClient, timeSource clock.TimeSource) *Blacklist {
	if timeSource == nil {
		timeSource = clock.System
	}
	return &Blacklist{c: client, timeSource: timeSource}
}

// Revoke marks the token revoked until expiresAt. Tokens already past their
// expiry need no marker and are ignored.
func (b *Blacklist) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return nil
	}
	ttl := expiresAt.Sub(b.timeSource.Now())
	if ttl <= 0 {
		return nil
	}
	client := withClientContext(ctx, b.c)
	if err := client.Set(blacklistKeyPrefix+token, "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("auth: revoking token failed: %v", err)
	}
	return nil
}

// IsRevoked reports whether a revocation marker exists for the token.
// Absence means "not revoked" only; signature and expiry validation belong
// to the external authentication layer.
func (b *Blacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	client := withClientContext(ctx, b.c)
	n, err := client.Exists(blacklistKeyPrefix + token).Result()
	if err != nil {
		return false, fmt.Errorf("auth: revocation lookup failed: %v", err)
	}
	return n > 0, nil
}

// Because each Redis client type in the Go package has a `WithContext` method
// that returns a concrete type, we can't simply put that method in the
// RedisClient interface. This function performs type assertions to try and
// call the `WithContext` method on the appropriate concrete type.
func withClientContext(ctx context.Context, client RedisClient) RedisClient {
	type withContextable interface {
		WithContext(context.Context) RedisClient
	}

	switch c := client.(type) {
	case *redis.Client:
		return c.WithContext(ctx)
	case *redis.ClusterClient:
		return c.WithContext(ctx)
	case *redis.Ring:
		return c.WithContext(ctx)
	case withContextable:
		return c.WithContext(ctx)
	}

	return client
}
