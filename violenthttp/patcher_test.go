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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTextPatcherInjectsAfterHead(t *testing.T) {
	p := DefaultPatchers()
	got := p.askText(&RequestContext{}, "<html><head></head><body></body></html>")
	assert.Equal(t,
		`<html><head>`+helloScript+`</head><body></body></html>`, got)

	// Only the first <head> is touched, and headless documents pass
	// through untouched.
	got = p.askText(&RequestContext{}, "<head></head><head></head>")
	assert.Equal(t, "<head>"+helloScript+"</head><head></head>", got)
	got = p.askText(&RequestContext{}, "no markup here")
	assert.Equal(t, "no markup here", got)
}

func TestDecisionValidity(t *testing.T) {
	assert.True(t, Allow().valid())
	assert.True(t, Deny().valid())
	assert.True(t, Pipe().valid())
	assert.True(t, Empty(nil).valid())
	assert.True(t, RedirectTo("http://example.org/", nil).valid())
	assert.False(t, Decision{Kind: kindMax}.valid())
	assert.False(t, Decision{Kind: -1}.valid())
}

func TestAskRequestPanicsOutsideClosedSet(t *testing.T) {
	p := &Patchers{
		OnRequest: func(_ *RequestContext, body []byte, done func(Decision, []byte)) {
			done(Decision{Kind: 99}, body)
		},
	}
	assert.Panics(t, func() {
		p.askRequest(&RequestContext{}, nil)
	})
}

// Patchers may complete their continuation from another goroutine; the
// engine waits either way.
func TestAsynchronousPatcher(t *testing.T) {
	p := &Patchers{
		OnRequest: func(_ *RequestContext, body []byte, done func(Decision, []byte)) {
			go func() {
				time.Sleep(10 * time.Millisecond)
				done(Allow(), body)
			}()
		},
	}
	d, body := p.askRequest(&RequestContext{}, []byte("payload"))
	assert.Equal(t, KindAllow, d.Kind)
	assert.Equal(t, "payload", string(body))
}

func TestNilPatchersAllow(t *testing.T) {
	var p *Patchers
	d, _ := p.askRequest(&RequestContext{}, nil)
	assert.Equal(t, KindAllow, d.Kind)
	assert.Equal(t, KindAllow, p.askConnect("example.org:443", 1).Kind)
	assert.Equal(t, "text", p.askText(&RequestContext{}, "text"))
	assert.Equal(t, []byte("bin"), p.askBinary(&RequestContext{}, []byte("bin")))
}
