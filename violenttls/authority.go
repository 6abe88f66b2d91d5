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
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Authority owns the certificate authority and signs leaf certificates
// for intercepted hosts on demand. All issued material is cached in
// memory and persisted through its Storage, so a restarted proxy keeps
// presenting the same certificates. Everything it mutates is behind its
// own mutex; two authorities in one process stay independent.
type Authority struct {
	// Domains and IPs become the SANs of the proxy's own leaf (and of
	// the CA), letting the listener itself serve TLS. Must be set
	// before Init when the listener runs with TLS.
	Domains []string
	IPs     []string

	Storage *Storage
	Logger  *zap.Logger

	// Fatal is called for unrecoverable failures: key generation and
	// certificate persistence. The proxy installs a handler that logs
	// alarm banners and exits the process. Defaults to panicking.
	Fatal func(error)

	// now is swapped out by tests exercising rotation thresholds.
	now func() time.Time

	mu    sync.Mutex
	ca    *material
	self  *material
	cache map[string]*certEntry
}

// selfKey is the cache key of the proxy's own leaf certificate. The
// entry is pinned: it is never evicted and never re-signed after Init.
const selfKey = "localhost"

func (a *Authority) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *Authority) fatal(err error) {
	if a.Fatal != nil {
		a.Fatal(err)
		return
	}
	panic(err)
}

// Init loads or creates the CA and the proxy's own leaf certificate. It
// is idempotent and must complete before the first Sign call. The CA is
// regenerated when it has less than three years of validity left; the
// proxy-self leaf when it has less than two months.
func (a *Authority) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ca != nil {
		return nil
	}
	a.cache = make(map[string]*certEntry)
	now := a.clock()

	ca, err := a.Storage.LoadCA()
	switch {
	case err == nil && !expiringWithin(ca.cert, caRotateBefore, now):
		a.Logger.Debug("loaded certificate authority",
			zap.String("expires", humanize.Time(ca.cert.NotAfter)))
	case err == nil:
		a.Logger.Info("certificate authority is about to expire, replacing it; "+
			"previously issued certificates remain in use until they rotate",
			zap.String("expires", humanize.Time(ca.cert.NotAfter)))
		ca = nil
	case os.IsNotExist(err):
		a.Logger.Info("no certificate authority found, generating one")
	default:
		return err
	}
	caRotated := ca == nil
	if ca == nil {
		ca, err = newCA(a.Domains, a.IPs, now)
		if err != nil {
			return err
		}
		if err := a.Storage.StoreCA(ca); err != nil {
			return err
		}
		certsIssued.WithLabelValues("ca", "generated").Inc()
	}
	a.ca = ca

	self, err := a.Storage.LoadCert(selfKey)
	switch {
	case err == nil && (caRotated || expiringWithin(self.cert, leafRotateBefore, now)):
		// A fresh CA orphans the old proxy-self leaf no matter how much
		// validity it has left.
		self = nil
	case err != nil && !os.IsNotExist(err):
		return err
	case err != nil:
		self = nil
	}
	if self == nil {
		names := a.Domains
		if len(names) == 0 {
			names = []string{selfKey}
		}
		self, err = a.generateLeaf(names[0], names[1:], a.IPs)
		if err != nil {
			return err
		}
		if err := a.Storage.StoreCert(selfKey, self); err != nil {
			return err
		}
	}
	a.self = self
	a.cache[selfKey] = &certEntry{ready: true, mat: self}

	return nil
}

// generateLeaf issues a leaf for host with any extra names and IPs
// appended to its SANs. The CA must already be in place.
func (a *Authority) generateLeaf(host string, extraNames, ips []string) (*material, error) {
	m, err := newLeaf(host, ips, a.ca, a.clock())
	if err != nil {
		return nil, err
	}
	if len(extraNames) == 0 {
		return m, nil
	}
	// Re-issue with the extra names folded in. Only the proxy-self leaf
	// takes this path, once per rotation.
	m.cert.DNSNames = append(m.cert.DNSNames, extraNames...)
	return newLeafFromTemplate(m.cert, a.ca)
}

// CACertificate returns the CA certificate.
func (a *Authority) CACertificate() *x509.Certificate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ca.cert
}

// CACertPath returns the path of the persisted CA certificate, for
// handing to trust stores.
func (a *Authority) CACertPath() string {
	return a.Storage.caFile(".crt")
}

// SelfCertificate returns the proxy's own leaf as a tls.Certificate for
// use by a TLS-enabled main listener.
func (a *Authority) SelfCertificate() (*tls.Certificate, error) {
	a.mu.Lock()
	m := a.self
	a.mu.Unlock()
	cert, err := tls.X509KeyPair(m.certPEM, m.privatePEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
