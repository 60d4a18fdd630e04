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
	"sync"

	"github.com/flyer-me/weautotools/monitoring"
)

var (
	// Metrics groups all quota-related metrics.
	Metrics     = &m{}
	metricsOnce = sync.Once{}
)

type m struct {
	Checks   monitoring.Counter
	Denials  monitoring.Counter
	FailOpen monitoring.Counter
}

// IncCheck records the outcome of one gate decision.
func (m *m) IncCheck(class SubjectClass, allowed bool) {
	if m.Checks == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.Checks.Inc(class.String(), outcome)
}

// IncDenial records a denial attributed to one window type.
func (m *m) IncDenial(w Window) {
	if m.Denials == nil {
		return
	}
	m.Denials.Inc(w.String())
}

// IncFailOpen records a quota decision that was allowed because the
// enforcement path itself failed at the given stage.
func (m *m) IncFailOpen(stage string) {
	if m.FailOpen == nil {
		return
	}
	m.FailOpen.Inc(stage)
}

// InitMetrics initializes Metrics using mf to create the monitoring objects.
// May be called multiple times. If so, the first call is the one that counts.
func InitMetrics(mf monitoring.MetricFactory) {
	metricsOnce.Do(func() {
		Metrics.Checks = mf.NewCounter("quota_checks", "Number of quota gate decisions", "class", "outcome")
		Metrics.Denials = mf.NewCounter("quota_denials", "Number of quota denials by window type", "window")
		Metrics.FailOpen = mf.NewCounter("quota_fail_open", "Number of quota decisions allowed because enforcement was unavailable", "stage")
	})
}
