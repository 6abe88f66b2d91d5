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
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// serveConnect handles a CONNECT tunnel. Depending on the connect
// patcher it denies the tunnel, splices it raw to the origin, or takes
// the interception path: answer 200, sniff the first bytes for a TLS
// handshake, and redirect the stream into the dynamic TLS server.
func (e *Engine) serveConnect(w http.ResponseWriter, r *http.Request) {
	id := e.nextID()

	host, port, ok := parseConnectTarget(r.Host)
	if !ok {
		connectsTotal.WithLabelValues("malformed").Inc()
		destroy()
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))

	decision := e.Patchers.askConnect(hostPort, id)
	switch decision.Kind {
	case KindDeny:
		connectsTotal.WithLabelValues("deny").Inc()
		destroy()
	case KindPipe:
		connectsTotal.WithLabelValues("pipe").Inc()
		e.pipeTunnel(w, r, hostPort)
	case KindAllow:
		connectsTotal.WithLabelValues("allow").Inc()
		e.interceptTunnel(w, r, host)
	default:
		panic(fmt.Sprintf("violenthttp: decision %d is not valid for CONNECT", decision.Kind))
	}
}

// parseConnectTarget validates the authority-form target of a CONNECT
// request. The host must look like a name the proxy can actually dial
// and sign for: it contains a dot or is localhost, and carries no
// wildcard. The target carries exactly one colon; a port that does not
// parse into 0..65535 falls back to 443.
func parseConnectTarget(target string) (host string, port int, ok bool) {
	if strings.Count(target, ":") != 1 {
		return "", 0, false
	}
	host = target
	port = 443
	if h, p, found := strings.Cut(target, ":"); found {
		host = h
		if n, err := strconv.Atoi(p); err == nil && n >= 0 && n <= 65535 {
			port = n
		}
	}
	if host == "" || strings.Contains(host, "*") {
		return "", 0, false
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return "", 0, false
	}
	return host, port, true
}

// isTLSHandshake classifies the first three bytes of a tunnel. A TLS
// connection opens with a handshake record (0x16) for protocol 3.x;
// anything else (plain HTTP over CONNECT, WebSocket upgrades) is
// terminated rather than tunnelled.
func isTLSHandshake(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] == 0x03 && b[2] <= 0x05
}

// interceptTunnel is the Allow path: acknowledge the tunnel, wait for
// the client's first bytes, and either hand a TLS stream to the dynamic
// server or drop the connection.
func (e *Engine) interceptTunnel(w http.ResponseWriter, r *http.Request, host string) {
	conn, brw, err := hijack(w)
	if err != nil {
		e.Logger.Warn("hijacking CONNECT client", zap.Error(err))
		destroy()
	}

	if err := writeConnectResponse(conn, r); err != nil {
		conn.Close()
		return
	}

	// The client talks first under TLS. Peek keeps the bytes buffered,
	// so the splice below still delivers them, once and in order.
	prefix, err := brw.Reader.Peek(3)
	if err != nil {
		conn.Close()
		return
	}
	if !isTLSHandshake(prefix) {
		connectsTotal.WithLabelValues("not_tls").Inc()
		conn.Close()
		return
	}

	e.Tunnel.Prepare(host, func() {
		local, err := net.Dial("tcp", e.Tunnel.Addr())
		if err != nil {
			e.Logger.Error("dialing dynamic TLS server", zap.Error(err))
			conn.Close()
			return
		}
		splice(conn, brw.Reader, local)
	})
}

// pipeTunnel splices the client straight to the origin with no
// inspection; the engine never hears about this tunnel again.
func (e *Engine) pipeTunnel(w http.ResponseWriter, r *http.Request, hostPort string) {
	conn, brw, err := hijack(w)
	if err != nil {
		e.Logger.Warn("hijacking CONNECT client", zap.Error(err))
		destroy()
	}
	upstream, err := net.Dial("tcp", hostPort)
	if err != nil {
		e.Logger.Warn("dialing CONNECT origin", zap.String("target", hostPort), zap.Error(err))
		conn.Close()
		return
	}
	if err := writeConnectResponse(conn, r); err != nil {
		conn.Close()
		upstream.Close()
		return
	}
	splice(conn, brw.Reader, upstream)
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T cannot hijack", w)
	}
	return hj.Hijack()
}

// writeConnectResponse acknowledges a CONNECT. The line endings are CRLF
// no matter the host OS, and keep-alive is echoed only when the client
// asked for it.
func writeConnectResponse(conn net.Conn, r *http.Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%d.%d 200 Connection Established\r\n", r.ProtoMajor, r.ProtoMinor)
	if strings.EqualFold(r.Header.Get("Connection"), "keep-alive") {
		b.WriteString("Connection: keep-alive\r\n")
	}
	if strings.EqualFold(r.Header.Get("Proxy-Connection"), "keep-alive") {
		b.WriteString("Proxy-Connection: keep-alive\r\n")
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(conn, b.String())
	return err
}

var bufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 32*1024)
	},
}

func pooledIoCopy(dst io.Writer, src io.Reader) {
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	io.CopyBuffer(dst, src, buf)
}

// splice shuttles bytes between the client and the other side until one
// direction ends, then tears both down. clientIn carries anything the
// hijacked reader already buffered ahead of the raw connection.
func splice(client net.Conn, clientIn io.Reader, other net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		pooledIoCopy(other, clientIn)
		done <- struct{}{}
	}()
	go func() {
		pooledIoCopy(client, other)
		done <- struct{}{}
	}()
	go func() {
		<-done
		client.Close()
		other.Close()
		<-done
	}()
}
