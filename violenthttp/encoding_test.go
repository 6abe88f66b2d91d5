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
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeBody(t *testing.T) {
	plain := []byte("<html><body>hello</body></html>")

	got, err := decodeBody("gzip", gzipBytes(t, plain))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	got, err = decodeBody("deflate", zlibBytes(t, plain))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// Raw deflate without the zlib wrapper, as some servers send it.
	var raw bytes.Buffer
	fw, err := flate.NewWriter(&raw, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	got, err = decodeBody("deflate", raw.Bytes())
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// Identity and unknown encodings pass through untouched.
	got, err = decodeBody("", plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
	got, err = decodeBody("identity", plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecodeBodyCorrupt(t *testing.T) {
	_, err := decodeBody("gzip", []byte("this is not gzip"))
	assert.Error(t, err)
}

func TestIsTextualType(t *testing.T) {
	assert.True(t, isTextualType("text/html"))
	assert.True(t, isTextualType("text/html; charset=utf-8"))
	assert.True(t, isTextualType("Text/Plain"))
	assert.True(t, isTextualType("application/xhtml+xml"))
	assert.True(t, isTextualType("application/xml"))
	assert.False(t, isTextualType("application/json"))
	assert.False(t, isTextualType("image/png"))
	assert.False(t, isTextualType("application/octet-stream"))
	assert.False(t, isTextualType(""))
}

func TestExtractMIME(t *testing.T) {
	assert.Equal(t, "text/html",
		extractMIME("text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"))
	assert.Equal(t, "application/json", extractMIME("application/json; charset=utf-8"))
	assert.Equal(t, "text/html", extractMIME("*/*"))
	assert.Equal(t, "text/html", extractMIME(""))
	assert.Equal(t, "text/html", extractMIME("gibberish"))
}
