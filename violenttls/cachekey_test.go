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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheKey(t *testing.T) {
	for i, tc := range []struct {
		host string
		want string
	}{
		{"example.com", "*.example.com"},
		{"a.example.com", "*.example.com"},
		{"b.example.com", "*.example.com"},
		{"deep.a.example.com", "*.a.example.com"},
		{"localhost", "localhost"},
		{"EXAMPLE.Com", "*.example.com"},
		{"example.com.", "*.example.com"},
		{"xn--bcher-kva.example", "*.xn--bcher-kva.example"},
		{"bücher.example", "*.xn--bcher-kva.example"},
	} {
		assert.Equal(t, tc.want, CacheKey(tc.host), "test %d: host %q", i, tc.host)
	}
}

func TestCacheKeyAtMostOneWildcard(t *testing.T) {
	for _, host := range []string{
		"example.com", "a.b.c.d.example.com", "localhost", "x.co",
	} {
		key := CacheKey(host)
		assert.LessOrEqual(t, strings.Count(key, "*"), 1, "host %q", host)
	}
}

func TestCacheKeySharedAcrossLeftmostLabel(t *testing.T) {
	pairs := [][2]string{
		{"a.example.com", "b.example.com"},
		{"www.foo.example.org", "cdn.foo.example.org"},
		{"one.two.three.net", "x.two.three.net"},
	}
	for _, p := range pairs {
		assert.Equal(t, CacheKey(p[0]), CacheKey(p[1]),
			"%q and %q differ only in their leftmost label", p[0], p[1])
	}
}

func TestSANNames(t *testing.T) {
	assert.Equal(t, []string{"a.example.com", "*.example.com"}, sanNames("a.example.com"))
	assert.Equal(t, []string{"example.com", "*.example.com"}, sanNames("example.com"))
	assert.Equal(t, []string{"localhost"}, sanNames("localhost"))
}
