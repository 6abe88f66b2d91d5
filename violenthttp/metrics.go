// Copyright 2017 The NanoProxy Authors
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

package violenthttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// define and register the metrics used in this package.
var (
	requestDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nanoproxy",
		Subsystem: "http",
		Name:      "request_decisions_total",
		Help:      "Counter of proxied requests by patcher decision.",
	}, []string{"decision"})

	connectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nanoproxy",
		Subsystem: "http",
		Name:      "connect_tunnels_total",
		Help:      "Counter of CONNECT tunnels by outcome.",
	}, []string{"outcome"})
)
