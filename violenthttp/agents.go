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
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Agent keys. Beyond these two sentinels, keys are the decimal
// keep-alive timeout in milliseconds.
const (
	agentClose   = "close"
	agentDefault = "default"
)

const defaultIdleTimeout = 90 * time.Second

// AgentPool hands out pooled upstream transports keyed by the keep-alive
// parameters a client negotiated, with separate pools for cleartext and
// TLS upstreams. Agents are created on first use and never evicted; the
// keyspace is bounded by the set of observed timeouts.
type AgentPool struct {
	mu     sync.Mutex
	plain  map[string]*http.Transport
	secure map[string]*http.Transport
}

func NewAgentPool() *AgentPool {
	return &AgentPool{
		plain:  make(map[string]*http.Transport),
		secure: make(map[string]*http.Transport),
	}
}

// Get returns the transport appropriate for a request's HTTP version and
// connection headers. HTTP/1.0 without an explicit keep-alive, or an
// explicit close, gets a non-pooling transport. A Keep-Alive header with
// a usable timeout gets a pool with that idle timeout, created on first
// use. Everything else shares the default keep-alive pool.
func (p *AgentPool) Get(httpVersion string, header http.Header, useTLS bool) *http.Transport {
	key := agentKey(httpVersion, header)

	pool := p.plain
	if useTLS {
		pool = p.secure
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := pool[key]; ok {
		return t
	}
	t := newTransport(key)
	pool[key] = t
	return t
}

func agentKey(httpVersion string, header http.Header) string {
	conn := strings.ToLower(header.Get("Connection"))
	if conn == "close" || (httpVersion == "1.0" && conn != "keep-alive") {
		return agentClose
	}
	if ka := header.Get("Keep-Alive"); ka != "" {
		if msecs, ok := keepAliveTimeout(ka); ok {
			return strconv.FormatInt(msecs, 10)
		}
	}
	return agentDefault
}

// keepAliveTimeout extracts timeout=T from a Keep-Alive header, a
// comma-separated set of key=value pairs, returning T in milliseconds.
// Malformed or non-positive timeouts are ignored.
func keepAliveTimeout(value string) (int64, bool) {
	for _, part := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "timeout") {
			continue
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsInf(secs, 0) || math.IsNaN(secs) || secs <= 0 {
			return 0, false
		}
		return int64(secs * 1000), true
	}
	return 0, false
}

func newTransport(key string) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     defaultIdleTimeout,
		// The engine forces its own Accept-Encoding and decodes bodies
		// itself, so the transport must not second-guess it.
		DisableCompression: true,
	}
	switch key {
	case agentClose:
		t.DisableKeepAlives = true
	case agentDefault:
	default:
		msecs, _ := strconv.ParseInt(key, 10, 64)
		t.IdleConnTimeout = time.Duration(msecs) * time.Millisecond
	}
	return t
}
