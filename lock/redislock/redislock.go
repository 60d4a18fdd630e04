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

// Package redislock implements the lock.Locker contract on Redis.
//
// A lock is one key holding an owner token, claimed with SET NX PX so the
// claim and the lease expiry are a single atomic step. Release compares the
// stored token before deleting, so an expired holder can never release a
// newer holder's lock on the same key.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flyer-me/weautotools/lock"
	"github.com/flyer-me/weautotools/util/clock"
	"github.com/go-redis/redis"
)

// DefaultRetryInterval is how often a waiting Acquire re-attempts its claim.
const DefaultRetryInterval = 50 * time.Millisecond

// RedisClient is an interface that encompasses the various methods used by
// Locker, and allows selecting among different Redis client implementations.
type RedisClient interface {
	// Required to load and execute scripts
	Eval(script string, keys []string, args ...interface{}) *redis.Cmd
	EvalSha(sha1 string, keys []string, args ...interface{}) *redis.Cmd
	ScriptExists(hashes ...string) *redis.BoolSliceCmd
	ScriptLoad(script string) *redis.StringCmd

	SetNX(key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// releaseScript deletes the key only if it still holds the caller's token.
// A zero result means the lease already expired or another holder owns the
// key now; both are no-ops by contract.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements lock.Locker on a shared Redis store.
type Locker struct {
	c             RedisClient
	retryInterval time.Duration
	timeSource    clock.TimeSource
}

var _ lock.Locker = &Locker{}

// Options holds the optional parameters of a Locker.
type Options struct {
	// RetryInterval is the pause between claim attempts while waiting.
	// Defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	// TimeSource supplies the current time. Defaults to the system clock.
	TimeSource clock.TimeSource
}

// New returns a Locker that uses the provided Redis client.
func New(client RedisClient, opts Options) *Locker {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	ts := opts.TimeSource
	if ts == nil {
		ts = clock.System
	}
	return &Locker{c: client, retryInterval: interval, timeSource: ts}
}

// Load preloads the release script into the Redis database. Optional.
func (l *Locker) Load(ctx context.Context) error {
	return releaseScript.Load(withClientContext(ctx, l.c)).Err()
}

// Acquire implements lock.Locker.Acquire.
func (l *Locker) Acquire(ctx context.Context, key string, waitTimeout, leaseTimeout time.Duration) (*lock.Handle, error) {
	client := withClientContext(ctx, l.c)

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	start := l.timeSource.Now()
	deadline := start.Add(waitTimeout)
	for {
		ok, err := client.SetNX(key, token, leaseTimeout).Result()
		if err != nil {
			// Without the store there is no exclusion guarantee; fail closed.
			lock.Metrics.IncAcquisition("error")
			return nil, fmt.Errorf("redislock: claiming %v failed: %v", key, err)
		}
		now := l.timeSource.Now()
		if ok {
			lock.Metrics.IncAcquisition("acquired")
			lock.Metrics.ObserveWait(now.Sub(start).Seconds())
			return &lock.Handle{Key: key, Token: token, LeaseExpiresAt: now.Add(leaseTimeout)}, nil
		}
		if !now.Before(deadline) {
			lock.Metrics.IncAcquisition("timeout")
			return nil, lock.ErrTimeout
		}

		pause := l.retryInterval
		if remaining := deadline.Sub(now); remaining < pause {
			pause = remaining
		}
		timer := l.timeSource.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			// The failed SetNX left nothing behind; no partial lock exists.
			lock.Metrics.IncAcquisition("canceled")
			return nil, fmt.Errorf("redislock: canceled while waiting for %v: %w", key, ctx.Err())
		case <-timer.Chan():
		}
	}
}

// Release implements lock.Locker.Release.
func (l *Locker) Release(ctx context.Context, h *lock.Handle) error {
	if h == nil {
		return nil
	}
	client := withClientContext(ctx, l.c)

	if err := releaseScript.Run(client, []string{h.Key}, h.Token).Err(); err != nil {
		return fmt.Errorf("redislock: releasing %v failed: %v", h.Key, err)
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("redislock: generating owner token failed: %v", err)
	}
	return hex.EncodeToString(b[:]), nil
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
