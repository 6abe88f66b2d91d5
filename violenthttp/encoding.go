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
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decodeBody undoes the Content-Encoding of an upstream body. The engine
// forces "Accept-Encoding: gzip, deflate" upstream, so these two plus
// identity are the only encodings that can legitimately appear.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or
		// raw; try the spelling RFC 7230 intends first.
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err == nil {
			defer r.Close()
			return io.ReadAll(r)
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return body, nil
	}
}

// isTextualType reports whether a Content-Type names a body the text
// patcher should see: text/*, */xhtml+xml, or */xml.
func isTextualType(contentType string) bool {
	mt := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return strings.HasPrefix(mt, "text/") ||
		strings.HasSuffix(mt, "/xhtml+xml") ||
		strings.HasSuffix(mt, "/xml")
}

// extractMIME returns the first concrete media type of a comma- or
// semicolon-separated header value such as Accept: the first component
// containing a "/" and no wildcard. It falls back to text/html, which is
// what synthesised responses want anyway.
func extractMIME(value string) string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';'
	})
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if strings.Contains(f, "/") && !strings.Contains(f, "*") {
			return f
		}
	}
	return "text/html"
}
