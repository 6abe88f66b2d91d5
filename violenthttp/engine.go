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
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TunnelServer is where CONNECT tunnels that carry TLS get spliced to:
// Prepare installs an SNI context for the tunnelled host and calls back,
// and Addr is the local address to dial afterwards.
type TunnelServer interface {
	Prepare(host string, cb func())
	Addr() string
}

// Engine serves proxy traffic: absolute-URI requests on the main
// listener, CONNECT tunnels, and requests re-entering from the dynamic
// TLS server after interception. One Engine instance is shared by all of
// them so request IDs stay unique and agents stay pooled.
type Engine struct {
	Agents   *AgentPool
	Patchers *Patchers
	Tunnel   TunnelServer
	Logger   *zap.Logger

	// Crash handles programmer errors surfacing as panics in a handler
	// (a patcher decision outside the closed set). net/http would
	// otherwise swallow them per-connection; the proxy must die instead.
	// When nil the panic propagates as-is.
	Crash func(any)

	reqID atomic.Uint64
}

func NewEngine(agents *AgentPool, patchers *Patchers, tunnel TunnelServer, logger *zap.Logger) *Engine {
	return &Engine{Agents: agents, Patchers: patchers, Tunnel: tunnel, Logger: logger}
}

func (e *Engine) nextID() uint64 {
	return e.reqID.Add(1)
}

// ServeHTTP is the main listener's handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer e.recoverCrash()
	if r.Method == http.MethodConnect {
		e.serveConnect(w, r)
		return
	}
	e.serveRequest(w, r, false)
}

// recoverCrash separates the deliberate connection teardowns from real
// panics: ErrAbortHandler is the destroy path and is re-raised for
// net/http to handle quietly; anything else is fatal.
func (e *Engine) recoverCrash() {
	v := recover()
	if v == nil {
		return
	}
	if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
		panic(v)
	}
	if e.Crash != nil {
		e.Crash(v)
	}
	panic(v)
}

// TLSHandler returns the handler the dynamic TLS server re-enters with.
// Those requests arrive in origin-form; the absolute URL is synthesised
// from the SNI-terminated host before the engine proper sees them.
func (e *Engine) TLSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer e.recoverCrash()
		r.URL.Scheme = "https"
		r.URL.Host = r.Host
		e.serveRequest(w, r, true)
	})
}

// serveRequest handles one proxied HTTP transaction.
func (e *Engine) serveRequest(w http.ResponseWriter, r *http.Request, viaTLS bool) {
	// A path-only URL on the proxy listener means a client is talking
	// to the proxy as if it were an origin, or the proxy is talking to
	// itself. Drop it without an answer.
	if r.URL == nil || (!viaTLS && !r.URL.IsAbs()) {
		destroy()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		e.Logger.Warn("reading request body", zap.Error(err))
		destroy()
	}
	if len(body) > 0 && !methodExpectsBody(r.Method) {
		e.Logger.Warn("request carries a body its method does not expect",
			zap.String("method", r.Method), zap.String("url", r.URL.String()))
	}

	ctx := &RequestContext{
		ID:          e.nextID(),
		TraceID:     uuid.New(),
		Referer:     r.Header.Get("Referer"),
		URL:         r.URL,
		Method:      r.Method,
		Header:      r.Header,
		HTTPVersion: fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
	}

	decision, body := e.Patchers.askRequest(ctx, body)
	requestDecisions.WithLabelValues(decisionLabel(decision.Kind)).Inc()

	switch decision.Kind {
	case KindAllow:
		e.forward(w, r, ctx, r.URL, body)
	case KindEmpty:
		e.synthesize(w, r, decision.Headers, nil)
	case KindDeny:
		destroy()
	case KindRedirect:
		if decision.RedirectLocation == "" {
			e.synthesize(w, r, decision.Headers, decision.RedirectText)
			return
		}
		target, err := url.Parse(decision.RedirectLocation)
		if err != nil || !target.IsAbs() {
			e.Logger.Warn("redirect decision carries an unusable location",
				zap.String("location", decision.RedirectLocation))
			destroy()
		}
		e.forward(w, r, ctx, target, body)
	default:
		panic(fmt.Sprintf("violenthttp: decision %d is not valid for a request", decision.Kind))
	}
}

// forward sends the transaction upstream and emits the patched response.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, ctx *RequestContext, target *url.URL, body []byte) {
	start := time.Now()

	outreq := &http.Request{
		Method:        ctx.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneScrubbedHeader(ctx.Header),
		Host:          target.Host,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if user := target.User; user != nil {
		pass, _ := user.Password()
		outreq.SetBasicAuth(user.Username(), pass)
		outreq.URL = cloneURLWithoutUser(target)
	}
	// Pin the encodings we know how to undo.
	outreq.Header.Set("Accept-Encoding", "gzip, deflate")
	outreq = outreq.WithContext(r.Context())

	transport := e.Agents.Get(ctx.HTTPVersion, ctx.Header, target.Scheme == "https")
	resp, err := transport.RoundTrip(outreq)
	if err != nil {
		// No synthesised gateway page: an error body would give the
		// proxy away. The client just sees the connection die.
		e.Logger.Warn("upstream request failed",
			zap.String("url", target.String()), zap.Error(err))
		destroy()
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		e.Logger.Warn("reading upstream response",
			zap.String("url", target.String()), zap.Error(err))
		destroy()
	}

	hdr := cloneScrubbedHeader(resp.Header)
	// Pinning must go, or the next interception of this origin fails.
	hdr.Del("Public-Key-Pins")
	hdr.Del("Public-Key-Pins-Report-Only")

	var out []byte
	if isTextualType(resp.Header.Get("Content-Type")) {
		decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), respBody)
		if err != nil {
			e.Logger.Warn("undoing upstream content encoding",
				zap.String("url", target.String()),
				zap.String("encoding", resp.Header.Get("Content-Encoding")),
				zap.Error(err))
			destroy()
		}
		out = []byte(e.Patchers.askText(ctx, string(decoded)))
		hdr.Set("Content-Encoding", "identity")
	} else {
		out = e.Patchers.askBinary(ctx, respBody)
	}
	hdr.Set("Content-Length", strconv.Itoa(len(out)))

	copyHeader(w.Header(), hdr)
	w.WriteHeader(resp.StatusCode)
	w.Write(out)

	e.Logger.Debug("request completed",
		zap.Uint64("id", ctx.ID),
		zap.String("trace", ctx.TraceID.String()),
		zap.String("method", ctx.Method),
		zap.String("url", target.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(out)),
		zap.Duration("duration", time.Since(start)))
}

// synthesize answers the client directly with a 200 the origin never
// produced. Headers from the decision win over the defaults.
func (e *Engine) synthesize(w http.ResponseWriter, r *http.Request, extra http.Header, body []byte) {
	hdr := w.Header()
	hdr.Set("Content-Type", extractMIME(r.Header.Get("Accept")))
	hdr.Set("Server", "Apache/2.4.7 (Ubuntu)")
	for k, vs := range extra {
		hdr.Del(k)
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Del("Public-Key-Pins")
	w.WriteHeader(http.StatusOK)
	if len(body) > 0 {
		w.Write(body)
	}
}

// destroy tears the client connection down without writing a response.
// net/http closes the connection and stays quiet when a handler panics
// with ErrAbortHandler.
func destroy() {
	panic(http.ErrAbortHandler)
}

func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// hopByHopHeaders are never forwarded in either direction, per RFC 7230
// section 6.1. Proxy-Connection is nonstandard but some browsers send it.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func cloneScrubbedHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	copyHeader(dst, src)
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Del("Content-Length")
	return dst
}

func cloneURLWithoutUser(u *url.URL) *url.URL {
	clone := *u
	clone.User = nil
	return &clone
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func decisionLabel(k DecisionKind) string {
	switch k {
	case KindAllow:
		return "allow"
	case KindEmpty:
		return "empty"
	case KindDeny:
		return "deny"
	case KindRedirect:
		return "redirect"
	case KindPipe:
		return "pipe"
	}
	return "invalid"
}
