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
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsTLSHandshake(t *testing.T) {
	assert.True(t, isTLSHandshake([]byte{0x16, 0x03, 0x01}), "TLS 1.0 ClientHello")
	assert.True(t, isTLSHandshake([]byte{0x16, 0x03, 0x03}), "TLS 1.2 ClientHello")
	assert.True(t, isTLSHandshake([]byte{0x16, 0x03, 0x05}), "upper bound of the record check")
	assert.False(t, isTLSHandshake([]byte{0x16, 0x03, 0x06}), "beyond any TLS record version")
	assert.False(t, isTLSHandshake([]byte{'G', 'E', 'T'}), "plain HTTP over CONNECT")
	assert.False(t, isTLSHandshake([]byte{0x16, 0x02, 0x01}))
	assert.False(t, isTLSHandshake([]byte{0x16}))
	assert.False(t, isTLSHandshake(nil))
}

func TestParseConnectTarget(t *testing.T) {
	for i, tc := range []struct {
		target string
		host   string
		port   int
		ok     bool
	}{
		{"example.org:443", "example.org", 443, true},
		{"example.org:8443", "example.org", 8443, true},
		{"example.org", "", 0, false},
		{"example.org:banana", "example.org", 443, true},
		{"example.org:99999", "example.org", 443, true},
		{"localhost:443", "localhost", 443, true},
		{"127.0.0.1:8080", "127.0.0.1", 8080, true},
		{"nodots:443", "", 0, false},
		{"*.example.org:443", "", 0, false},
		{"[::1]:443", "", 0, false},
		{":443", "", 0, false},
	} {
		host, port, ok := parseConnectTarget(tc.target)
		assert.Equal(t, tc.ok, ok, "test %d: %q", i, tc.target)
		if tc.ok {
			assert.Equal(t, tc.host, host, "test %d", i)
			assert.Equal(t, tc.port, port, "test %d", i)
		}
	}
}

func TestWriteConnectResponse(t *testing.T) {
	r := httptest.NewRequest(http.MethodConnect, "http://example.org:443", nil)
	r.Header.Set("Proxy-Connection", "keep-alive")

	client, server := net.Pipe()
	defer client.Close()
	go func() {
		writeConnectResponse(server, r)
		server.Close()
	}()

	raw, err := io.ReadAll(client)
	require.NoError(t, err)
	got := string(raw)
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 Connection Established\r\n"), "got %q", got)
	assert.Contains(t, got, "Proxy-Connection: keep-alive\r\n")
	assert.NotContains(t, got, "\r\nConnection: keep-alive\r\n")
	assert.True(t, strings.HasSuffix(got, "\r\n\r\n"), "response must end with a blank CRLF line")
}

// tunnelThroughProxy sends a CONNECT for target through a proxy at addr
// and returns the open connection after asserting the 200.
func tunnelThroughProxy(t *testing.T, addr, target string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = io.WriteString(conn,
		"CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return conn
}

// A Pipe decision splices raw bytes to the origin with no inspection.
func TestConnectPipe(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c)
		}
	}()

	var connectAsked int
	patchers := DefaultPatchers()
	patchers.OnConnect = func(_ string, _ uint64, done func(Decision)) {
		connectAsked++
		done(Pipe())
	}
	engine := NewEngine(NewAgentPool(), patchers, nil, zap.NewNop())
	proxy := httptest.NewServer(engine)
	defer proxy.Close()

	_, port, _ := net.SplitHostPort(echo.Addr().String())
	conn := tunnelThroughProxy(t, proxy.Listener.Addr().String(), "127.0.0.1:"+port)
	defer conn.Close()

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Equal(t, 1, connectAsked, "no further engine event may fire on a piped tunnel")
}

// A Deny decision closes the tunnel without any response.
func TestConnectDeny(t *testing.T) {
	patchers := DefaultPatchers()
	patchers.OnConnect = func(_ string, _ uint64, done func(Decision)) {
		done(Deny())
	}
	engine := NewEngine(NewAgentPool(), patchers, nil, zap.NewNop())
	proxy := httptest.NewServer(engine)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn,
		"CONNECT example.org:443 HTTP/1.1\r\nHost: example.org:443\r\n\r\n")
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	raw, _ := io.ReadAll(conn)
	assert.Empty(t, raw, "a denied tunnel gets no response at all")
}

// A non-TLS prefix after Allow terminates the tunnel.
func TestConnectRejectsNonTLS(t *testing.T) {
	engine := NewEngine(NewAgentPool(), DefaultPatchers(), nil, zap.NewNop())
	proxy := httptest.NewServer(engine)
	defer proxy.Close()

	conn := tunnelThroughProxy(t, proxy.Listener.Addr().String(), "example.org:443")
	defer conn.Close()

	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	raw, _ := io.ReadAll(conn)
	assert.Empty(t, raw, "plain HTTP over CONNECT is terminated, not proxied")
}

// The peeked handshake bytes reach the tunnel server exactly once, in
// order, ahead of everything that follows.
func TestConnectDeliversPeekedBytesOnce(t *testing.T) {
	sink, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()
	received := make(chan []byte, 1)
	go func() {
		c, err := sink.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.SetReadDeadline(time.Now().Add(10 * time.Second))
		buf := make([]byte, 16)
		n, _ := io.ReadFull(c, buf[:8])
		received <- buf[:n]
	}()

	engine := NewEngine(NewAgentPool(), DefaultPatchers(),
		&stubTunnel{addr: sink.Addr().String()}, zap.NewNop())
	proxy := httptest.NewServer(engine)
	defer proxy.Close()

	conn := tunnelThroughProxy(t, proxy.Listener.Addr().String(), "example.org:443")
	defer conn.Close()

	payload := []byte{0x16, 0x03, 0x01, 0xde, 0xad, 0xbe, 0xef, 0x42}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(10 * time.Second):
		t.Fatal("tunnel server never received the handshake bytes")
	}
}

type stubTunnel struct {
	addr     string
	prepared []string
}

func (s *stubTunnel) Prepare(host string, cb func()) {
	s.prepared = append(s.prepared, host)
	go cb()
}

func (s *stubTunnel) Addr() string { return s.addr }

var _ TunnelServer = (*stubTunnel)(nil)
