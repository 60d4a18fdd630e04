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
	"fmt"

	"github.com/flyer-me/weautotools/util/clock"
	"k8s.io/klog/v2"
)

// Decision is the outcome of one gate check. A denial is a normal, expected
// outcome, not an error: Reason is human readable and Remaining is zero.
type Decision struct {
	Allowed   bool
	Remaining int64
	Reason    string
}

// Gate decides whether one unit of a resource may be consumed by a subject,
// and records the consumption on allow.
//
// The gate is deliberately fail-open: any error while resolving configs or
// touching the shared store results in an allowed decision. A quota outage
// must never block the guarded business function. Callers that need exact
// admission under extreme concurrency can wrap Guard in a distributed lock
// keyed by (subject, resource); by default the peek-then-increment pair is
// unlocked and a bounded amount of over-admission is accepted.
type Gate struct {
	resolver   Resolver
	counter    Counter
	events     UsageRecorder
	windows    []Window
	timeSource clock.TimeSource
}

// GateOptions holds the optional collaborators of a Gate.
type GateOptions struct {
	// Windows are the window types the gate checks, in order. Defaults to
	// Windows (hourly, daily, total).
	Windows []Window

	// Events receives best-effort usage records. May be nil.
	Events UsageRecorder

	// TimeSource stamps usage events. Defaults to the system clock.
	TimeSource clock.TimeSource
}

// NewGate builds a Gate over the given resolver and counter.
func NewGate(resolver Resolver, counter Counter, opts GateOptions) *Gate {
	windows := opts.Windows
	if windows == nil {
		windows = Windows
	}
	ts := opts.TimeSource
	if ts == nil {
		ts = clock.System
	}
	return &Gate{
		resolver:   resolver,
		counter:    counter,
		events:     opts.Events,
		windows:    windows,
		timeSource: ts,
	}
}

// CheckAndConsume checks every configured window for the subject and
// resource, and consumes one unit from each limited window if all of them
// have room. No window is incremented when any window is at its limit.
func (g *Gate) CheckAndConsume(ctx context.Context, sub Subject, resourceID string) Decision {
	var limited []*Config
	for _, w := range g.windows {
		cfg, err := g.resolver.Resolve(ctx, resourceID, sub.Class, w)
		if err != nil {
			klog.Warningf("quota: resolve %v/%v/%v failed, allowing: %v", resourceID, sub.Class, w, err)
			Metrics.IncFailOpen("resolve")
			Metrics.IncCheck(sub.Class, true)
			return Decision{Allowed: true, Remaining: Unlimited, Reason: "quota unavailable"}
		}
		if cfg == nil {
			continue
		}
		count, err := g.counter.Peek(ctx, sub.Key, resourceID, cfg.Window)
		if err != nil {
			klog.Warningf("quota: peek %v failed, allowing: %v", CounterKey(sub.Key, resourceID, cfg.Window), err)
			Metrics.IncFailOpen("peek")
			Metrics.IncCheck(sub.Class, true)
			return Decision{Allowed: true, Remaining: Unlimited, Reason: "quota unavailable"}
		}
		if count >= cfg.Limit {
			Metrics.IncDenial(cfg.Window)
			Metrics.IncCheck(sub.Class, false)
			return Decision{
				Allowed:   false,
				Remaining: 0,
				Reason:    fmt.Sprintf("%v usage limit reached for %v", cfg.Window, resourceID),
			}
		}
		limited = append(limited, cfg)
	}

	remaining := Unlimited
	for _, cfg := range limited {
		n, err := g.counter.Increment(ctx, sub.Key, resourceID, cfg.Window)
		if err != nil {
			klog.Warningf("quota: increment %v failed: %v", CounterKey(sub.Key, resourceID, cfg.Window), err)
			Metrics.IncFailOpen("increment")
			continue
		}
		if r := cfg.Limit - n; r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	g.recordUsage(ctx, sub, resourceID)
	Metrics.IncCheck(sub.Class, true)
	return Decision{Allowed: true, Remaining: remaining}
}

// Guard applies the gate to a business operation: fn runs only if the check
// allows it. A denial is reported through the Decision, not as an error.
func (g *Gate) Guard(ctx context.Context, sub Subject, resourceID string, fn func(context.Context) error) (Decision, error) {
	d := g.CheckAndConsume(ctx, sub, resourceID)
	if !d.Allowed {
		return d, nil
	}
	return d, fn(ctx)
}

// RemainingUsage returns how many daily-window uses the subject has left for
// the resource: Unlimited when no daily limit resolves, zero when the
// enforcement path is unavailable.
func (g *Gate) RemainingUsage(ctx context.Context, sub Subject, resourceID string) int64 {
	cfg, err := g.resolver.Resolve(ctx, resourceID, sub.Class, Daily)
	if err != nil {
		klog.Warningf("quota: resolve remaining %v/%v failed: %v", resourceID, sub.Class, err)
		return 0
	}
	if cfg == nil {
		return Unlimited
	}
	used, err := g.counter.Peek(ctx, sub.Key, resourceID, Daily)
	if err != nil {
		klog.Warningf("quota: peek remaining %v failed: %v", CounterKey(sub.Key, resourceID, Daily), err)
		return 0
	}
	if used >= cfg.Limit {
		return 0
	}
	return cfg.Limit - used
}

// Reset wipes every window counter of the subject.
func (g *Gate) Reset(ctx context.Context, subject string) error {
	return g.counter.ResetSubject(ctx, subject)
}

func (g *Gate) recordUsage(ctx context.Context, sub Subject, resourceID string) {
	if g.events == nil {
		return
	}
	ev := &UsageEvent{
		Subject:      sub.Key,
		SubjectClass: sub.Class,
		ResourceID:   resourceID,
		When:         g.timeSource.Now(),
		SourceIP:     sub.SourceIP,
	}
	if err := g.events.RecordUsage(ctx, ev); err != nil {
		// Usage events are reporting-only; enforcement state lives in the
		// window counters.
		klog.V(1).Infof("quota: dropping usage event for %v/%v: %v", sub.Key, resourceID, err)
	}
}
