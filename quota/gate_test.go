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
	"strings"
	"testing"
	"time"

	"github.com/flyer-me/weautotools/monitoring"
	"github.com/flyer-me/weautotools/util/clock"
	"github.com/google/go-cmp/cmp"
)

// fakeCounter is an in-memory Counter keyed like the shared store.
type fakeCounter struct {
	counts  map[string]int64
	incErr  error
	peekErr error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (f *fakeCounter) Increment(_ context.Context, subject, resourceID string, w Window) (int64, error) {
	if f.incErr != nil {
		return 0, f.incErr
	}
	key := CounterKey(subject, resourceID, w)
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounter) Peek(_ context.Context, subject, resourceID string, w Window) (int64, error) {
	if f.peekErr != nil {
		return 0, f.peekErr
	}
	return f.counts[CounterKey(subject, resourceID, w)], nil
}

func (f *fakeCounter) ResetSubject(_ context.Context, subject string) error {
	prefix := "limit:" + subject + ":"
	for key := range f.counts {
		if strings.HasPrefix(key, prefix) {
			delete(f.counts, key)
		}
	}
	return nil
}

type recordedEvents struct {
	events []*UsageEvent
	err    error
}

func (r *recordedEvents) RecordUsage(_ context.Context, ev *UsageEvent) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func dailyLimitSource(limit int64) *fakeSource {
	src := &fakeSource{}
	src.add(&Config{ScopeKind: ScopeDefault, Scope: DefaultScope, SubjectClass: Anonymous, Window: Daily, Limit: limit, Enabled: true})
	return src
}

func TestGateScenarioDailyLimitTwo(t *testing.T) {
	ctx := context.Background()
	counter := newFakeCounter()
	gate := NewGate(NewTieredResolver(dailyLimitSource(2), nil), counter, GateOptions{})
	sub := Subject{Key: "anon:abcd1234", Class: Anonymous}

	want := []Decision{
		{Allowed: true, Remaining: 1},
		{Allowed: true, Remaining: 0},
		{Allowed: false, Remaining: 0, Reason: "DAILY usage limit reached for qr-generate"},
	}
	for i, w := range want {
		got := gate.CheckAndConsume(ctx, sub, "qr-generate")
		if diff := cmp.Diff(w, got); diff != "" {
			t.Errorf("call %d: decision diff (-want +got):\n%s", i+1, diff)
		}
	}
}

func TestGateNoIncrementOnDenial(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(&Config{ScopeKind: ScopeDefault, Scope: DefaultScope, SubjectClass: Anonymous, Window: Hourly, Limit: 100, Enabled: true})
	src.add(&Config{ScopeKind: ScopeDefault, Scope: DefaultScope, SubjectClass: Anonymous, Window: Daily, Limit: 1, Enabled: true})
	counter := newFakeCounter()
	gate := NewGate(NewTieredResolver(src, nil), counter, GateOptions{Windows: []Window{Hourly, Daily}})
	sub := Subject{Key: "anon:ffff0000", Class: Anonymous}

	if d := gate.CheckAndConsume(ctx, sub, "qr-generate"); !d.Allowed {
		t.Fatalf("first call denied: %+v", d)
	}
	if d := gate.CheckAndConsume(ctx, sub, "qr-generate"); d.Allowed {
		t.Fatalf("second call allowed: %+v", d)
	}
	// The hourly window passed its individual check, but the daily denial
	// must prevent any increment.
	if got := counter.counts[CounterKey(sub.Key, "qr-generate", Hourly)]; got != 1 {
		t.Errorf("hourly count after denial = %v, want 1", got)
	}
}

func TestGateUnlimitedWhenNoConfig(t *testing.T) {
	gate := NewGate(NewTieredResolver(&fakeSource{}, nil), newFakeCounter(), GateOptions{})
	d := gate.CheckAndConsume(context.Background(), Subject{Key: "user:42", Class: Authenticated}, "qr-generate")
	if !d.Allowed || d.Remaining != Unlimited {
		t.Errorf("CheckAndConsume = %+v, want allowed with Unlimited remaining", d)
	}
}

func TestGateFailOpenOnResolveError(t *testing.T) {
	src := &fakeSource{err: errors.New("config store down")}
	gate := NewGate(NewTieredResolver(src, nil), newFakeCounter(), GateOptions{})
	d := gate.CheckAndConsume(context.Background(), Subject{Key: "anon:abcd1234", Class: Anonymous}, "qr-generate")
	if !d.Allowed {
		t.Errorf("CheckAndConsume = %+v, want fail-open allow", d)
	}
}

func TestGateFailOpenOnCounterError(t *testing.T) {
	counter := newFakeCounter()
	counter.peekErr = errors.New("store unreachable")
	gate := NewGate(NewTieredResolver(dailyLimitSource(2), nil), counter, GateOptions{})
	d := gate.CheckAndConsume(context.Background(), Subject{Key: "anon:abcd1234", Class: Anonymous}, "qr-generate")
	if !d.Allowed {
		t.Errorf("CheckAndConsume = %+v, want fail-open allow", d)
	}
}

func TestGateFailOpenOnIncrementError(t *testing.T) {
	counter := newFakeCounter()
	counter.incErr = errors.New("store unreachable")
	gate := NewGate(NewTieredResolver(dailyLimitSource(2), nil), counter, GateOptions{})
	d := gate.CheckAndConsume(context.Background(), Subject{Key: "anon:abcd1234", Class: Anonymous}, "qr-generate")
	if !d.Allowed {
		t.Errorf("CheckAndConsume = %+v, want fail-open allow", d)
	}
}

func TestGuardRunsOperationOnlyWhenAllowed(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewTieredResolver(dailyLimitSource(1), nil), newFakeCounter(), GateOptions{})
	sub := Subject{Key: "anon:abcd1234", Class: Anonymous}

	calls := 0
	fn := func(context.Context) error {
		calls++
		return nil
	}

	if d, err := gate.Guard(ctx, sub, "qr-generate", fn); err != nil || !d.Allowed {
		t.Fatalf("Guard() = %+v, %v; want allowed, nil", d, err)
	}
	if d, err := gate.Guard(ctx, sub, "qr-generate", fn); err != nil || d.Allowed {
		t.Fatalf("Guard() = %+v, %v; want denied, nil", d, err)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1", calls)
	}
}

func TestGuardPropagatesOperationError(t *testing.T) {
	gate := NewGate(NewTieredResolver(dailyLimitSource(5), nil), newFakeCounter(), GateOptions{})
	wantErr := errors.New("business failure")
	_, err := gate.Guard(context.Background(), Subject{Key: "user:1", Class: Authenticated}, "qr-generate", func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Guard() error = %v, want %v", err, wantErr)
	}
}

func TestGateRecordsUsageEvents(t *testing.T) {
	events := &recordedEvents{}
	when := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	gate := NewGate(NewTieredResolver(dailyLimitSource(5), nil), newFakeCounter(), GateOptions{
		Events:     events,
		TimeSource: clock.NewFake(when),
	})
	sub := Subject{Key: "anon:abcd1234", Class: Anonymous, SourceIP: "203.0.113.9"}

	gate.CheckAndConsume(context.Background(), sub, "qr-generate")
	if len(events.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events.events))
	}
	want := &UsageEvent{
		Subject:      "anon:abcd1234",
		SubjectClass: Anonymous,
		ResourceID:   "qr-generate",
		When:         when,
		SourceIP:     "203.0.113.9",
	}
	if diff := cmp.Diff(want, events.events[0]); diff != "" {
		t.Errorf("usage event diff (-want +got):\n%s", diff)
	}
}

func TestGateToleratesEventRecordingFailure(t *testing.T) {
	events := &recordedEvents{err: errors.New("db down")}
	gate := NewGate(NewTieredResolver(dailyLimitSource(5), nil), newFakeCounter(), GateOptions{Events: events})
	d := gate.CheckAndConsume(context.Background(), Subject{Key: "anon:abcd1234", Class: Anonymous}, "qr-generate")
	if !d.Allowed {
		t.Errorf("CheckAndConsume = %+v, want allowed despite event failure", d)
	}
}

func TestRemainingUsage(t *testing.T) {
	ctx := context.Background()
	counter := newFakeCounter()
	gate := NewGate(NewTieredResolver(dailyLimitSource(3), nil), counter, GateOptions{})
	sub := Subject{Key: "anon:abcd1234", Class: Anonymous}

	if got := gate.RemainingUsage(ctx, sub, "qr-generate"); got != 3 {
		t.Errorf("RemainingUsage = %v, want 3", got)
	}
	gate.CheckAndConsume(ctx, sub, "qr-generate")
	if got := gate.RemainingUsage(ctx, sub, "qr-generate"); got != 2 {
		t.Errorf("RemainingUsage = %v, want 2", got)
	}

	unlimited := NewGate(NewTieredResolver(&fakeSource{}, nil), counter, GateOptions{})
	if got := unlimited.RemainingUsage(ctx, sub, "qr-generate"); got != Unlimited {
		t.Errorf("RemainingUsage = %v, want Unlimited", got)
	}
}

func TestGateMetrics(t *testing.T) {
	ctx := context.Background()
	InitMetrics(monitoring.InertMetricFactory{})
	gate := NewGate(NewTieredResolver(dailyLimitSource(1), nil), newFakeCounter(), GateOptions{})
	sub := Subject{Key: "anon:abcd1234", Class: Anonymous}

	allowed := Metrics.Checks.Value("ANONYMOUS", "allowed")
	denied := Metrics.Checks.Value("ANONYMOUS", "denied")
	denials := Metrics.Denials.Value("DAILY")

	gate.CheckAndConsume(ctx, sub, "qr-generate")
	gate.CheckAndConsume(ctx, sub, "qr-generate")

	if got := Metrics.Checks.Value("ANONYMOUS", "allowed") - allowed; got != 1 {
		t.Errorf("allowed checks = %v, want 1", got)
	}
	if got := Metrics.Checks.Value("ANONYMOUS", "denied") - denied; got != 1 {
		t.Errorf("denied checks = %v, want 1", got)
	}
	if got := Metrics.Denials.Value("DAILY") - denials; got != 1 {
		t.Errorf("daily denials = %v, want 1", got)
	}

	failOpen := Metrics.FailOpen.Value("resolve")
	down := NewGate(NewTieredResolver(&fakeSource{err: errors.New("config store down")}, nil), newFakeCounter(), GateOptions{})
	down.CheckAndConsume(ctx, sub, "qr-generate")
	if got := Metrics.FailOpen.Value("resolve") - failOpen; got != 1 {
		t.Errorf("resolve fail-opens = %v, want 1", got)
	}
}
