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

// Package fakeredis provides an in-memory stand-in for the narrow Redis
// client interfaces used by this repository. Keys honor TTLs against an
// injected TimeSource, so tests can cross window boundaries and lease
// expiries by advancing a fake clock. For tests only.
package fakeredis

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flyer-me/weautotools/util/clock"
	"github.com/go-redis/redis"
)

// ErrDown is returned by every command while the fake is marked down.
var ErrDown = errors.New("fakeredis: store is down")

type entry struct {
	val       string
	expiresAt time.Time // zero means no expiry
}

// Fake is a minimal single-node Redis. Commands are atomic under an internal
// mutex, mirroring the store's single-threaded command execution.
type Fake struct {
	mu         sync.Mutex
	data       map[string]entry
	timeSource clock.TimeSource
	down       bool
}

// New returns an empty Fake reading time from ts.
func New(ts clock.TimeSource) *Fake {
	if ts == nil {
		ts = clock.System
	}
	return &Fake{data: make(map[string]entry), timeSource: ts}
}

// SetDown makes every subsequent command fail with ErrDown, simulating an
// unreachable store.
func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// TTL reports the remaining lifetime of a key: -1 for no expiry, -2 for a
// missing key, mirroring the Redis TTL convention.
func (f *Fake) TTL(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lookup(key)
	if !ok {
		return -2
	}
	if e.expiresAt.IsZero() {
		return -1
	}
	return e.expiresAt.Sub(f.timeSource.Now())
}

// lookup returns the live entry for key, lazily dropping it if expired.
// Callers must hold f.mu.
func (f *Fake) lookup(key string) (entry, bool) {
	e, ok := f.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !f.timeSource.Now().Before(e.expiresAt) {
		delete(f.data, key)
		return entry{}, false
	}
	return e, true
}

// Get implements the GET command.
func (f *Fake) Get(key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStringResult("", ErrDown)
	}
	e, ok := f.lookup(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(e.val, nil)
}

// Set implements the SET command.
func (f *Fake) Set(key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStatusResult("", ErrDown)
	}
	f.store(key, value, expiration)
	return redis.NewStatusResult("OK", nil)
}

// SetNX implements the SET key value NX PX command.
func (f *Fake) SetNX(key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewBoolResult(false, ErrDown)
	}
	if _, ok := f.lookup(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	f.store(key, value, expiration)
	return redis.NewBoolResult(true, nil)
}

// Exists implements the EXISTS command.
func (f *Fake) Exists(keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewIntResult(0, ErrDown)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.lookup(key); ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Del implements the DEL command.
func (f *Fake) Del(keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewIntResult(0, ErrDown)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.lookup(key); ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Keys implements the KEYS command for glob patterns.
func (f *Fake) Keys(pattern string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStringSliceResult(nil, ErrDown)
	}
	var keys []string
	for key := range f.data {
		if _, ok := f.lookup(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	return redis.NewStringSliceResult(keys, nil)
}

// Eval dispatches on the script bodies this repository uses. The fake does
// not interpret Lua; it recognizes the increment-with-expiry and
// compare-and-delete scripts by their calls and applies equivalent logic
// atomically.
func (f *Fake) Eval(script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewCmdResult(nil, ErrDown)
	}
	switch {
	case strings.Contains(script, `"INCR"`):
		return f.evalIncrement(keys, args)
	case strings.Contains(script, `"GET"`) && strings.Contains(script, `"DEL"`):
		return f.evalCompareAndDelete(keys, args)
	}
	return redis.NewCmdResult(nil, fmt.Errorf("fakeredis: unsupported script: %v", script))
}

// EvalSha always reports a missing script so that redis.Script.Run falls
// back to Eval with the full source.
func (f *Fake) EvalSha(sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT No matching script. Please use EVAL."))
}

// ScriptExists reports every script as absent.
func (f *Fake) ScriptExists(hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

// ScriptLoad accepts any script without storing it.
func (f *Fake) ScriptLoad(script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (f *Fake) evalIncrement(keys []string, args []interface{}) *redis.Cmd {
	if len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, errors.New("fakeredis: increment script wants 1 key and 1 arg"))
	}
	key := keys[0]
	e, ok := f.lookup(key)
	count := int64(1)
	if ok {
		prev, err := strconv.ParseInt(e.val, 10, 64)
		if err != nil {
			return redis.NewCmdResult(nil, fmt.Errorf("fakeredis: non-integer value at %v", key))
		}
		count = prev + 1
	}
	next := entry{val: strconv.FormatInt(count, 10), expiresAt: e.expiresAt}
	if count == 1 {
		if ttl := toInt64(args[0]); ttl > 0 {
			next.expiresAt = f.timeSource.Now().Add(time.Duration(ttl) * time.Second)
		}
	}
	f.data[key] = next
	return redis.NewCmdResult(count, nil)
}

func (f *Fake) evalCompareAndDelete(keys []string, args []interface{}) *redis.Cmd {
	if len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, errors.New("fakeredis: compare-and-delete script wants 1 key and 1 arg"))
	}
	key := keys[0]
	e, ok := f.lookup(key)
	if !ok || e.val != fmt.Sprint(args[0]) {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(f.data, key)
	return redis.NewCmdResult(int64(1), nil)
}

func (f *Fake) store(key string, value interface{}, expiration time.Duration) {
	e := entry{val: fmt.Sprint(value)}
	if expiration > 0 {
		e.expiresAt = f.timeSource.Now().Add(expiration)
	}
	f.data[key] = e
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}
