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

// Package quota contains the tool usage quota core: tiered limit
// configuration, rolling window counters and the gate that decides whether a
// request may consume one unit of a guarded resource.
package quota

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Unlimited is the remaining count reported when no limit applies to a
// subject and resource.
const Unlimited = int64(math.MaxInt64)

// SubjectClass partitions subjects for limit configuration purposes.
// Anonymous callers typically get tighter limits than authenticated ones.
type SubjectClass int

const (
	// Anonymous identifies callers without a validated identity.
	Anonymous SubjectClass = iota

	// Authenticated identifies callers with a validated user identity.
	Authenticated
)

// String returns the configuration spelling of the class.
func (c SubjectClass) String() string {
	switch c {
	case Anonymous:
		return "ANONYMOUS"
	case Authenticated:
		return "AUTHENTICATED"
	}
	return fmt.Sprintf("SubjectClass(%d)", int(c))
}

// Subject is the quota accounting identity of a caller.
// Key is "user:<id>" for authenticated callers and "anon:<fingerprint>"
// otherwise; SourceIP is carried along for best-effort usage records only.
type Subject struct {
	Key      string
	Class    SubjectClass
	SourceIP string
}

func (s Subject) String() string {
	return s.Key
}

// Window is a bounded accounting period over which a usage count accumulates
// before resetting.
type Window int

const (
	// Hourly windows expire at the top of the next clock hour.
	Hourly Window = iota

	// Daily windows expire at the next local midnight.
	Daily

	// Total windows never expire; they are reset only by explicit
	// administrative action.
	Total
)

// Windows lists every window type a gate may track, in check order.
var Windows = []Window{Hourly, Daily, Total}

// String returns the configuration spelling of the window.
func (w Window) String() string {
	switch w {
	case Hourly:
		return "HOURLY"
	case Daily:
		return "DAILY"
	case Total:
		return "TOTAL"
	}
	return fmt.Sprintf("Window(%d)", int(w))
}

// KeyPart returns the spelling of the window used inside store keys.
func (w Window) KeyPart() string {
	switch w {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Total:
		return "total"
	}
	return fmt.Sprintf("window%d", int(w))
}

// ParseWindow maps a configuration spelling back to a Window.
func ParseWindow(s string) (Window, error) {
	switch s {
	case "HOURLY":
		return Hourly, nil
	case "DAILY":
		return Daily, nil
	case "TOTAL":
		return Total, nil
	}
	return 0, fmt.Errorf("unknown window type %q", s)
}

// ParseSubjectClass maps a configuration spelling back to a SubjectClass.
func ParseSubjectClass(s string) (SubjectClass, error) {
	switch s {
	case "ANONYMOUS":
		return Anonymous, nil
	case "AUTHENTICATED":
		return Authenticated, nil
	}
	return 0, fmt.Errorf("unknown subject class %q", s)
}

// Boundary returns the instant at which a window that contains now expires.
// The zero time is returned for Total windows, which have no boundary.
// Boundaries are computed in loc; the timezone is a deployment constant, not
// a per-request input.
func (w Window) Boundary(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	switch w {
	case Hourly:
		return time.Date(n.Year(), n.Month(), n.Day(), n.Hour()+1, 0, 0, 0, loc)
	case Daily:
		return time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}

// TTL returns the remaining lifetime of the window containing now, or zero
// for windows without a boundary.
func (w Window) TTL(now time.Time, loc *time.Location) time.Duration {
	b := w.Boundary(now, loc)
	if b.IsZero() {
		return 0
	}
	return b.Sub(now)
}

// ScopeKind is the specificity level of a limit configuration.
type ScopeKind int

const (
	// ScopeResource binds a config to one specific resource id.
	ScopeResource ScopeKind = iota

	// ScopeResourceType binds a config to every resource of one type.
	ScopeResourceType

	// ScopeDefault binds a config to every resource without a more
	// specific config.
	ScopeDefault
)

// String returns the configuration spelling of the scope kind.
func (k ScopeKind) String() string {
	switch k {
	case ScopeResource:
		return "RESOURCE"
	case ScopeResourceType:
		return "RESOURCE_TYPE"
	case ScopeDefault:
		return "DEFAULT"
	}
	return fmt.Sprintf("ScopeKind(%d)", int(k))
}

// ParseScopeKind maps a configuration spelling back to a ScopeKind.
func ParseScopeKind(s string) (ScopeKind, error) {
	switch s {
	case "RESOURCE":
		return ScopeResource, nil
	case "RESOURCE_TYPE":
		return ScopeResourceType, nil
	case "DEFAULT":
		return ScopeDefault, nil
	}
	return 0, fmt.Errorf("unknown scope kind %q", s)
}

// DefaultScope is the scope value of tier-3 configs.
const DefaultScope = "DEFAULT"

// Config is one persisted limit configuration row. At most one enabled
// Config may exist per (scope kind, scope, subject class, window).
type Config struct {
	ID           int64
	ScopeKind    ScopeKind
	Scope        string
	SubjectClass SubjectClass
	Window       Window
	Limit        int64
	Enabled      bool
}

// Name returns a stable textual identity for the config, used in logs and
// metrics. Example: "RESOURCE/qr-generate/ANONYMOUS/DAILY".
func (c *Config) Name() string {
	return fmt.Sprintf("%v/%v/%v/%v", c.ScopeKind, c.Scope, c.SubjectClass, c.Window)
}

// CounterKey returns the shared-store key of one window counter. The layout
// is fixed per deployment: limit:<subject>:<resource>:<window>.
func CounterKey(subject, resourceID string, w Window) string {
	return fmt.Sprintf("limit:%s:%s:%s", subject, resourceID, w.KeyPart())
}

// SubjectKeyPattern returns the glob pattern matching every window counter
// of one subject, used for administrative resets.
func SubjectKeyPattern(subject string) string {
	return fmt.Sprintf("limit:%s:*", subject)
}

// ConfigSource is the read view the resolver has of persisted configs.
// Implementations return the single enabled config for the given
// coordinates, or nil when none exists.
type ConfigSource interface {
	FindEnabled(ctx context.Context, kind ScopeKind, scope string, class SubjectClass, w Window) (*Config, error)
}

// ResourceTypeFunc resolves a resource id to its catalog type. The second
// return value reports whether the catalog knows the resource at all;
// unknown resources skip the type tier during resolution.
type ResourceTypeFunc func(ctx context.Context, resourceID string) (string, bool)

// Resolver finds the limit configuration applicable to a resource and
// subject class, independently per window type. A nil config with a nil
// error means no limit applies.
type Resolver interface {
	Resolve(ctx context.Context, resourceID string, class SubjectClass, w Window) (*Config, error)
}

// Counter tracks per-window usage counts in the shared store.
type Counter interface {
	// Increment atomically adds one to the counter and returns the new
	// count. The first increment of a fresh window also arms the window
	// boundary expiry.
	Increment(ctx context.Context, subject, resourceID string, w Window) (int64, error)

	// Peek returns the current count without modifying it. Missing
	// counters read as zero.
	Peek(ctx context.Context, subject, resourceID string, w Window) (int64, error)

	// ResetSubject deletes every counter in the subject's namespace. It is
	// not transactional with concurrent increments.
	ResetSubject(ctx context.Context, subject string) error
}

// UsageEvent is one best-effort usage record. Its loss never affects
// enforcement; window counters are authoritative.
type UsageEvent struct {
	Subject      string
	SubjectClass SubjectClass
	ResourceID   string
	When         time.Time
	SourceIP     string
}

// UsageRecorder persists usage events for reporting.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, ev *UsageEvent) error
}
