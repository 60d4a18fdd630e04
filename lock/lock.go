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

// Package lock defines the distributed mutual-exclusion contract used to
// serialize critical sections across service instances sharing one store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default timeouts applied by Do when the caller passes zero values.
const (
	DefaultWaitTimeout  = 10 * time.Second
	DefaultLeaseTimeout = 30 * time.Second
)

// ErrTimeout is returned by Acquire when the wait timeout elapses before the
// key could be claimed. It is a declined operation, not a system fault;
// callers typically surface it as "try again later".
var ErrTimeout = errors.New("lock: wait timeout exceeded")

// Handle represents ownership of an acquired lock. At most one live,
// non-expired Handle exists per key store-wide. The lease expires
// automatically even if Release is never called, so a crashed holder cannot
// block a key forever.
type Handle struct {
	Key            string
	Token          string
	LeaseExpiresAt time.Time
}

// Locker is the distributed lock contract.
type Locker interface {
	// Acquire blocks up to waitTimeout attempting to claim key, honoring
	// ctx cancellation. On success the returned handle's lease expires
	// after leaseTimeout regardless of Release. Returns ErrTimeout when
	// the wait elapses, a ctx error when canceled, and other errors when
	// the store is unreachable (an unreachable store cannot guarantee
	// exclusion, so acquisition fails closed).
	Acquire(ctx context.Context, key string, waitTimeout, leaseTimeout time.Duration) (*Handle, error)

	// Release gives up the lock. Releasing an expired handle, or one whose
	// key has since been claimed by another holder, is a no-op rather than
	// an error: a slow caller must never release another holder's newer
	// lock.
	Release(ctx context.Context, h *Handle) error
}

// KeyFor composes a lock key from a static prefix and dynamic fields, e.g.
// KeyFor("counter", "42") == "lock:counter:42". The lock manager itself is
// agnostic to key semantics.
func KeyFor(prefix string, parts ...string) string {
	if len(parts) == 0 {
		return fmt.Sprintf("lock:%s", prefix)
	}
	return fmt.Sprintf("lock:%s:%s", prefix, strings.Join(parts, ":"))
}

// Do acquires the key, runs fn while holding it, and releases afterwards.
// Zero timeouts select the package defaults. Acquisition failures are
// returned without running fn; the caller decides how to surface them.
func Do(ctx context.Context, l Locker, key string, waitTimeout, leaseTimeout time.Duration, fn func(context.Context) error) error {
	if waitTimeout == 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if leaseTimeout == 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	h, err := l.Acquire(ctx, key, waitTimeout, leaseTimeout)
	if err != nil {
		return err
	}
	defer func() {
		// Release is best-effort; the lease reclaims the key if it fails.
		_ = l.Release(ctx, h)
	}()
	return fn(ctx)
}
