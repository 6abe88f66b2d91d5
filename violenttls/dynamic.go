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
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultDynamicAddr is the loopback address the dynamic TLS server
// binds when the configuration does not override it.
const DefaultDynamicAddr = "127.0.0.1:12346"

// DynamicServer is the interception target for CONNECT tunnels: a single
// TLS listener that starts with no SNI contexts and acquires them on
// first use, so it keeps serving new hosts without a restart. Tunnelled
// handshake bytes are spliced into it; it terminates the TLS session
// with a leaf from the authority and re-enters the request engine as if
// the traffic were plaintext HTTP.
type DynamicServer struct {
	authority *Authority
	logger    *zap.Logger

	srv  *http.Server
	ln   net.Listener
	addr string

	mu sync.Mutex
	// known maps each prepared host to a channel closed once its SNI
	// context has been installed.
	known map[string]chan struct{}
	certs map[string]*tls.Certificate
}

// NewDynamicServer returns a server that will bind addr and serve every
// terminated connection with handler.
func NewDynamicServer(addr string, authority *Authority, handler http.Handler, logger *zap.Logger) *DynamicServer {
	if addr == "" {
		addr = DefaultDynamicAddr
	}
	return &DynamicServer{
		authority: authority,
		logger:    logger,
		addr:      addr,
		known:     make(map[string]chan struct{}),
		certs:     make(map[string]*tls.Certificate),
		srv:       &http.Server{Handler: handler},
	}
}

// Listen binds the TLS listener. Serve must be called to accept.
func (ds *DynamicServer) Listen() error {
	ln, err := net.Listen("tcp", ds.addr)
	if err != nil {
		return err
	}
	ds.ln = tls.NewListener(ln, &tls.Config{
		GetCertificate: ds.getCertificate,
		MinVersion:     tls.VersionTLS10,
	})
	ds.addr = ln.Addr().String()
	return nil
}

// Serve accepts connections until the listener closes.
func (ds *DynamicServer) Serve() error {
	err := ds.srv.Serve(ds.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (ds *DynamicServer) Shutdown(ctx context.Context) error {
	return ds.srv.Shutdown(ctx)
}

// Addr returns the bound address, for tunnels to dial.
func (ds *DynamicServer) Addr() string {
	return ds.addr
}

// Prepare makes sure an SNI context for host is installed, then invokes
// cb. The callback always runs on another goroutine, strictly after
// Prepare returns. Contexts are installed at most once per host: the
// membership check here covers concurrent tunnels, and Sign coalesces
// the underlying certificate acquisition.
func (ds *DynamicServer) Prepare(host string, cb func()) {
	ds.mu.Lock()
	if installed, ok := ds.known[host]; ok {
		ds.mu.Unlock()
		go func() {
			<-installed
			cb()
		}()
		return
	}
	installed := make(chan struct{})
	ds.known[host] = installed
	ds.mu.Unlock()

	ds.authority.Sign(host, func(certPEM, keyPEM []byte) {
		if err := ds.addContext(host, certPEM, keyPEM); err != nil {
			ds.logger.Error("installing SNI context", zap.String("host", host), zap.Error(err))
		}
		close(installed)
		cb()
	})
}

func (ds *DynamicServer) addContext(host string, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	host = strings.ToLower(host)
	ds.mu.Lock()
	ds.certs[host] = &cert
	// Also index the wildcard the certificate covers, so sibling hosts
	// sharing the cache key match without their own context.
	if key := CacheKey(host); strings.HasPrefix(key, "*.") {
		ds.certs[key] = &cert
	}
	ds.mu.Unlock()
	sniContexts.Inc()
	return nil
}

// getCertificate resolves the SNI name against the installed contexts,
// trying wildcard label substitutions the way certificate lookup does in
// the cache. A miss falls back to signing on the spot, which covers
// clients that race the tunnel's Prepare or reuse a session across
// names.
func (ds *DynamicServer) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(hello.ServerName)

	ds.mu.Lock()
	if cert, ok := ds.certs[name]; ok {
		ds.mu.Unlock()
		return cert, nil
	}
	// try replacing labels in the name with wildcards until we get a match
	labels := strings.Split(name, ".")
	for i := range labels {
		labels[i] = "*"
		candidate := strings.Join(labels, ".")
		if cert, ok := ds.certs[candidate]; ok {
			ds.mu.Unlock()
			return cert, nil
		}
	}
	ds.mu.Unlock()

	if name == "" {
		return nil, errors.New("no server name indicated")
	}
	done := make(chan struct{})
	ds.Prepare(name, func() { close(done) })
	<-done

	ds.mu.Lock()
	cert, ok := ds.certs[strings.ToLower(CacheKey(name))]
	if !ok {
		cert, ok = ds.certs[name]
	}
	ds.mu.Unlock()
	if !ok {
		return nil, errors.New("no certificate available for " + name)
	}
	return cert, nil
}
