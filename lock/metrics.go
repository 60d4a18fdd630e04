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

package lock

import (
	"sync"

	"github.com/flyer-me/weautotools/monitoring"
)

var (
	// Metrics groups all lock-related metrics, updated by Locker
	// implementations.
	Metrics     = &m{}
	metricsOnce = sync.Once{}
)

type m struct {
	Acquisitions monitoring.Counter
	WaitSeconds  monitoring.Histogram
}

// IncAcquisition records the outcome of one Acquire call: "acquired",
// "timeout", "canceled" or "error".
func (m *m) IncAcquisition(outcome string) {
	if m.Acquisitions == nil {
		return
	}
	m.Acquisitions.Inc(outcome)
}

// ObserveWait records how long one Acquire call spent waiting.
func (m *m) ObserveWait(seconds float64) {
	if m.WaitSeconds == nil {
		return
	}
	m.WaitSeconds.Observe(seconds)
}

// InitMetrics initializes Metrics using mf to create the monitoring objects.
// May be called multiple times. If so, the first call is the one that counts.
func InitMetrics(mf monitoring.MetricFactory) {
	metricsOnce.Do(func() {
		Metrics.Acquisitions = mf.NewCounter("lock_acquisitions", "Number of lock acquisition attempts by outcome", "outcome")
		Metrics.WaitSeconds = mf.NewHistogram("lock_wait_seconds", "Time spent waiting to acquire locks")
	})
}
