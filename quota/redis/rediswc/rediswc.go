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

// Package rediswc implements window-scoped usage counters in Redis.
package rediswc

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/flyer-me/weautotools/quota"
	"github.com/flyer-me/weautotools/util/clock"
	"github.com/go-redis/redis"
)

// RedisClient is an interface that encompasses the various methods used by
// Counter, and allows selecting among different Redis client implementations
// (e.g. regular Redis, Redis Cluster, sharded, etc.)
type RedisClient interface {
	// Required to load and execute scripts
	Eval(script string, keys []string, args ...interface{}) *redis.Cmd
	EvalSha(sha1 string, keys []string, args ...interface{}) *redis.Cmd
	ScriptExists(hashes ...string) *redis.BoolSliceCmd
	ScriptLoad(script string) *redis.StringCmd

	Get(key string) *redis.StringCmd
	Keys(pattern string) *redis.StringSliceCmd
	Del(keys ...string) *redis.IntCmd
}

// incrementScript atomically increments a counter and, on the first
// increment of a fresh window, arms the expiry that aligns the counter with
// the window boundary. Later increments never extend the expiry: consumption
// is window-scoped, not sliding. Two concurrent first-increments may both
// arm the expiry; the double EXPIRE is idempotent.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	local ttl = tonumber(ARGV[1])
	if ttl > 0 then
		redis.call("EXPIRE", KEYS[1], ttl)
	end
end
return count
`)

// Counter implements quota.Counter on a shared Redis store. Counts are exact
// under concurrent access because the increment itself is a single atomic
// script call.
type Counter struct {
	c          RedisClient
	prefix     string
	loc        *time.Location
	timeSource clock.TimeSource
}

var _ quota.Counter = &Counter{}

// Options holds the optional parameters of a Counter.
type Options struct {
	// Prefix is a static prefix applied to all keys; useful on a
	// multi-tenant Redis cluster.
	Prefix string

	// Location is the timezone used for window boundaries. It is a
	// deployment constant; defaults to time.Local.
	Location *time.Location

	// TimeSource supplies the current time. Defaults to the system clock.
	TimeSource clock.TimeSource
}

// New returns a Counter that uses the provided Redis client.
func New(client RedisClient, opts Options) *Counter {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	ts := opts.TimeSource
	if ts == nil {
		ts = clock.System
	}
	return &Counter{c: client, prefix: opts.Prefix, loc: loc, timeSource: ts}
}

// Load preloads the increment script into the Redis database. Calling this
// function is optional, but reduces network traffic since later calls only
// pass the script's hash.
func (c *Counter) Load(ctx context.Context) error {
	return incrementScript.Load(withClientContext(ctx, c.c)).Err()
}

// Increment implements quota.Counter.Increment.
func (c *Counter) Increment(ctx context.Context, subject, resourceID string, w quota.Window) (int64, error) {
	client := withClientContext(ctx, c.c)

	ttl := int64(0)
	if d := w.TTL(c.timeSource.Now(), c.loc); d > 0 {
		ttl = int64(math.Ceil(d.Seconds()))
	}

	resp := incrementScript.Run(client, []string{c.key(subject, resourceID, w)}, ttl)
	count, err := resp.Int64()
	if err != nil {
		return 0, fmt.Errorf("rediswc: increment failed: %v", err)
	}
	return count, nil
}

// Peek implements quota.Counter.Peek. A missing counter reads as zero.
func (c *Counter) Peek(ctx context.Context, subject, resourceID string, w quota.Window) (int64, error) {
	client := withClientContext(ctx, c.c)

	val, err := client.Get(c.key(subject, resourceID, w)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rediswc: peek failed: %v", err)
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rediswc: malformed counter value %q: %v", val, err)
	}
	return count, nil
}

// ResetSubject implements quota.Counter.ResetSubject. The delete is not
// transactional with concurrent increments.
func (c *Counter) ResetSubject(ctx context.Context, subject string) error {
	client := withClientContext(ctx, c.c)

	keys, err := client.Keys(c.prefix + quota.SubjectKeyPattern(subject)).Result()
	if err != nil {
		return fmt.Errorf("rediswc: listing keys for %v failed: %v", subject, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := client.Del(keys...).Err(); err != nil {
		return fmt.Errorf("rediswc: reset of %v failed: %v", subject, err)
	}
	return nil
}

func (c *Counter) key(subject, resourceID string, w quota.Window) string {
	return c.prefix + quota.CounterKey(subject, resourceID, w)
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
	// The three major Redis clients
	case *redis.Client:
		return c.WithContext(ctx)
	case *redis.ClusterClient:
		return c.WithContext(ctx)
	case *redis.Ring:
		return c.WithContext(ctx)

	// Custom clients (e.g. test fakes) may implement the interface type
	// directly.
	case withContextable:
		return c.WithContext(ctx)
	}

	// If we can't determine a type, just return it unchanged.
	return client
}
