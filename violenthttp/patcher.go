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
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// DecisionKind enumerates the closed set of outcomes a patcher may
// return. Anything outside this set is a programmer error and crashes
// the engine rather than guessing.
type DecisionKind int

const (
	// KindAllow lets the transaction continue to the origin.
	KindAllow DecisionKind = iota
	// KindEmpty answers the request with a synthesised empty 200.
	KindEmpty
	// KindDeny closes the connection without any response.
	KindDeny
	// KindRedirect silently serves other content: either a synthesised
	// 200 carrying RedirectText, or the response fetched from
	// RedirectLocation. The user agent never sees a 3xx.
	KindRedirect
	// KindPipe splices a CONNECT tunnel to the origin without any
	// further inspection.
	KindPipe

	kindMax
)

// Decision is what a patcher tells the engine to do with a transaction.
// The zero value allows.
type Decision struct {
	Kind DecisionKind

	// Headers, when non-nil, is merged into the response headers of
	// synthesised responses (Empty, Redirect-with-text).
	Headers http.Header

	// RedirectLocation is the replacement URL for KindRedirect. When
	// empty, RedirectText is served directly instead.
	RedirectLocation string

	// RedirectText is the synthesised body for KindRedirect with no
	// location.
	RedirectText []byte
}

func Allow() Decision { return Decision{Kind: KindAllow} }
func Deny() Decision  { return Decision{Kind: KindDeny} }
func Pipe() Decision  { return Decision{Kind: KindPipe} }

func Empty(h http.Header) Decision { return Decision{Kind: KindEmpty, Headers: h} }

// RedirectTo serves the response of another URL in place of the
// requested one.
func RedirectTo(location string, h http.Header) Decision {
	return Decision{Kind: KindRedirect, RedirectLocation: location, Headers: h}
}

// RedirectText serves text as the response body.
func RedirectText(text []byte, h http.Header) Decision {
	return Decision{Kind: KindRedirect, RedirectText: text, Headers: h}
}

// valid reports whether the decision is inside the closed set.
func (d Decision) valid() bool {
	return d.Kind >= KindAllow && d.Kind < kindMax
}

// RequestContext describes one transaction to the patchers. Header is
// shared with the engine: mutations are reflected upstream, subject to
// the engine's own overrides.
type RequestContext struct {
	// ID increases monotonically and is unique within the process. A
	// CONNECT and the requests inside its tunnel carry distinct IDs.
	ID uint64

	// TraceID ties the log lines of one transaction together. Each
	// request gets a fresh one; requests sharing a client connection do
	// not share a TraceID.
	TraceID uuid.UUID

	Referer     string
	URL         *url.URL
	Method      string
	Header      http.Header
	HTTPVersion string
}

// Patchers are the four externally replaceable callbacks that inspect
// and rewrite traffic. Each receives a continuation and may complete it
// synchronously or from another goroutine; the engine assumes neither.
//
// A nil field passes traffic through untouched: requests and tunnels are
// allowed and response bodies are left as they are. Unlike the default
// text patcher, a nil OnTextResponse injects nothing.
type Patchers struct {
	// OnRequest rules on an outgoing request before it is forwarded.
	// body is the fully buffered request body; the continuation takes
	// the decision and the (possibly patched) body to send upstream.
	OnRequest func(ctx *RequestContext, body []byte, done func(Decision, []byte))

	// OnConnect rules on a CONNECT tunnel. Valid decisions: Allow,
	// Deny, Pipe.
	OnConnect func(hostPort string, id uint64, done func(Decision))

	// OnTextResponse patches a decoded textual response body.
	OnTextResponse func(ctx *RequestContext, text string, done func(string))

	// OnOtherResponse patches a non-textual response body, still in its
	// original Content-Encoding.
	OnOtherResponse func(ctx *RequestContext, data []byte, done func([]byte))
}

// helloScript is what the stock text patcher injects, mostly as an
// installation self-test.
const helloScript = `<script>console.log("Hello from Violentproxy :)");</script>`

// DefaultPatchers passes traffic through untouched except for the stock
// text patcher, which injects a greeting script after <head>.
func DefaultPatchers() *Patchers {
	return &Patchers{
		OnRequest: func(_ *RequestContext, body []byte, done func(Decision, []byte)) {
			done(Allow(), body)
		},
		OnConnect: func(_ string, _ uint64, done func(Decision)) {
			done(Allow())
		},
		OnTextResponse: func(_ *RequestContext, text string, done func(string)) {
			done(strings.Replace(text, "<head>", "<head>"+helloScript, 1))
		},
		OnOtherResponse: func(_ *RequestContext, data []byte, done func([]byte)) {
			done(data)
		},
	}
}

// askRequest runs the request patcher and waits for its continuation,
// bridging synchronous and asynchronous patchers.
func (p *Patchers) askRequest(ctx *RequestContext, body []byte) (Decision, []byte) {
	if p == nil || p.OnRequest == nil {
		return Allow(), body
	}
	type answer struct {
		d Decision
		b []byte
	}
	ch := make(chan answer, 1)
	p.OnRequest(ctx, body, func(d Decision, b []byte) {
		ch <- answer{d, b}
	})
	a := <-ch
	if !a.d.valid() {
		panic("violenthttp: request patcher returned a decision outside the closed set")
	}
	return a.d, a.b
}

func (p *Patchers) askConnect(hostPort string, id uint64) Decision {
	if p == nil || p.OnConnect == nil {
		return Allow()
	}
	ch := make(chan Decision, 1)
	p.OnConnect(hostPort, id, func(d Decision) {
		ch <- d
	})
	d := <-ch
	if !d.valid() {
		panic("violenthttp: connect patcher returned a decision outside the closed set")
	}
	return d
}

func (p *Patchers) askText(ctx *RequestContext, text string) string {
	if p == nil || p.OnTextResponse == nil {
		return text
	}
	ch := make(chan string, 1)
	p.OnTextResponse(ctx, text, func(s string) { ch <- s })
	return <-ch
}

func (p *Patchers) askBinary(ctx *RequestContext, data []byte) []byte {
	if p == nil || p.OnOtherResponse == nil {
		return data
	}
	ch := make(chan []byte, 1)
	p.OnOtherResponse(ctx, data, func(b []byte) { ch <- b })
	return <-ch
}
