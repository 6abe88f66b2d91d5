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

package violenttls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// define and register the metrics used in this package.
var certsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nanoproxy",
	Subsystem: "tls",
	Name:      "certificates_total",
	Help:      "Counter of certificates brought into the cache, by kind and source.",
}, []string{"kind", "source"})

var sniContexts = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "nanoproxy",
	Subsystem: "tls",
	Name:      "sni_contexts",
	Help:      "Number of SNI contexts installed on the dynamic TLS server.",
})
