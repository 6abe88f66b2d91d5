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
	"os"

	"go.uber.org/zap"
)

// SignCallback receives the PEM certificate and private key for a signed
// host. The pair is suitable for tls.X509KeyPair.
type SignCallback func(certPEM, keyPEM []byte)

// certEntry is one slot of the certificate cache. It is created pending
// and promoted to ready exactly once, when signing or loading completes;
// it never goes back. While pending, callers queue up as waiters and are
// drained in arrival order on promotion.
type certEntry struct {
	ready   bool
	mat     *material
	waiters []SignCallback
}

// Sign delivers a certificate/key pair covering host. The callback runs
// on another goroutine, strictly after Sign returns, even when the
// answer is already cached, so callers see one scheduling contract
// regardless of cache state.
//
// Concurrent Sign calls for hosts sharing a cache key coalesce onto a
// single generation; every caller observes identical material.
func (a *Authority) Sign(host string, cb SignCallback) {
	key := CacheKey(host)

	a.mu.Lock()
	entry, ok := a.cache[key]
	if ok {
		if entry.ready {
			mat := entry.mat
			a.mu.Unlock()
			go cb(mat.certPEM, mat.privatePEM)
			return
		}
		entry.waiters = append(entry.waiters, cb)
		a.mu.Unlock()
		return
	}
	entry = &certEntry{waiters: []SignCallback{cb}}
	a.cache[key] = entry
	a.mu.Unlock()

	go a.fill(key, host, entry)
}

// fill resolves a freshly inserted pending entry: first from disk, then
// by generating. It runs off the caller's goroutine; between the pending
// insertion and the promotion here, no second generation can start for
// the same key because Sign only ever queues onto an existing entry.
func (a *Authority) fill(key, host string, entry *certEntry) {
	mat, err := a.Storage.LoadCert(key)
	switch {
	case err == nil && !expiringWithin(mat.cert, leafRotateBefore, a.clock()):
		certsIssued.WithLabelValues("leaf", "loaded").Inc()
	case err == nil:
		a.Logger.Debug("certificate on disk is about to expire, re-signing",
			zap.String("key", key))
		mat = nil
	case os.IsNotExist(err):
		mat = nil
	default:
		// A present-but-unreadable triple means the store is damaged;
		// continuing would sign conflicting material for the same key.
		a.fatal(err)
		return
	}

	if mat == nil {
		mat, err = a.generateLeaf(host, nil, nil)
		if err != nil {
			a.fatal(err)
			return
		}
		if err := a.Storage.StoreCert(key, mat); err != nil {
			a.fatal(err)
			return
		}
		certsIssued.WithLabelValues("leaf", "generated").Inc()
		a.Logger.Debug("signed new certificate", zap.String("key", key),
			zap.Strings("sans", mat.cert.DNSNames))
	}

	a.mu.Lock()
	entry.ready = true
	entry.mat = mat
	waiters := entry.waiters
	entry.waiters = nil
	a.mu.Unlock()

	// Drain in arrival order. Running them here, sequentially, keeps the
	// FIFO guarantee; this goroutine is never the enqueuer's.
	for _, w := range waiters {
		w(mat.certPEM, mat.privatePEM)
	}
}
