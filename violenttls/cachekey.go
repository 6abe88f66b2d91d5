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

	"golang.org/x/net/idna"
)

// CacheKey returns the canonical wildcard form of host under which its
// certificate is cached and stored. Hosts that differ only in their
// left-most label share a key, so one certificate covers all of them:
//
//	a.example.com -> *.example.com
//	example.com   -> *.example.com
//	localhost     -> localhost
//
// The host is lowercased and IDNA-mapped first so that a unicode host
// and its punycode spelling resolve to the same key.
func CacheKey(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}

	labels := strings.Split(host, ".")
	switch {
	case len(labels) < 2:
		return host
	case len(labels) == 2:
		return "*." + host
	default:
		labels[0] = "*"
		return strings.Join(labels, ".")
	}
}

// sanNames returns the DNS names a leaf certificate for host must carry:
// the host itself plus the wildcard that shares its cache key, when one
// exists. A single-label host such as "localhost" only names itself.
func sanNames(host string) []string {
	key := CacheKey(host)
	if strings.HasPrefix(key, "*.") && key != host {
		return []string{host, key}
	}
	return []string{host}
}
