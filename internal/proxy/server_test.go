package proxy

import (
	"bufio"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAuthenticateAcceptsCanonicalHeaderAndBearer(t *testing.T) {
	route := Route{AuthHeader: "x-api-key"}
	h := http.Header{}
	h.Set("X-Api-Key", "sess-abc")
	if !authenticate(h, route, "sess-abc") {
		t.Fatalf("expected canonical header to authenticate")
	}

	h2 := http.Header{}
	h2.Set("Authorization", "Bearer sess-abc")
	if !authenticate(h2, route, "sess-abc") {
		t.Fatalf("expected Authorization: Bearer to authenticate for a custom auth_style route")
	}
}

func TestAuthenticateRejectsWrongOrMissingToken(t *testing.T) {
	route := Route{AuthHeader: "x-api-key"}
	h := http.Header{}
	if authenticate(h, route, "sess-abc") {
		t.Fatalf("expected missing token to fail")
	}
	h.Set("X-Api-Key", "sess-wrong")
	if authenticate(h, route, "sess-abc") {
		t.Fatalf("expected wrong token to fail")
	}
}

func TestReadRequestLineRejectsEmbeddedCR(t *testing.T) {
	raw := "GET /foo\rbar HTTP/1.1\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	if _, _, _, ok := readRequestLine(br); ok {
		t.Fatalf("expected request line with embedded CR to be rejected")
	}
}

func TestReadRequestLineAccepts(t *testing.T) {
	raw := "GET / HTTP/1.1\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	method, target, proto, ok := readRequestLine(br)
	if !ok || method != "GET" || target != "/" || proto != "HTTP/1.1" {
		t.Fatalf("got %q %q %q ok=%v", method, target, proto, ok)
	}
}

func TestReadHeadersRejectsChunkedTransferEncoding(t *testing.T) {
	raw := "Transfer-Encoding: chunked\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	_, _, ok, status := readHeaders(br)
	if ok || status != 400 {
		t.Fatalf("expected chunked Transfer-Encoding to be rejected with 400, got ok=%v status=%d", ok, status)
	}
}

func TestReadHeadersEnforcesContentLength(t *testing.T) {
	raw := "Content-Length: 123\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	header, n, ok, _ := readHeaders(br)
	if !ok || n != 123 || header.Get("Content-Length") != "123" {
		t.Fatalf("got header=%v n=%d ok=%v", header, n, ok)
	}
}

// Scenario 1 from spec.md §8: happy path, one provider.
func TestServeHappyPathForwardsWithRealSecret(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	upstreamHost := strings.TrimPrefix(upstream.URL, "https://")

	// forward verifies the upstream against the system trust store, so the
	// test server's self-signed certificate is installed as that store.
	certFile := filepath.Join(t.TempDir(), "upstream.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: upstream.Certificate().Raw})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("write upstream cert: %v", err)
	}
	t.Setenv("SSL_CERT_FILE", certFile)

	route := Route{
		Provider:     "acme",
		ListenPort:   0,
		UpstreamHost: upstreamHost,
		AuthHeader:   "x-api-key",
		Secret:       "sk-REAL",
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	route.ListenPort = port

	cfg := Config{SessionToken: "sess-abc", Routes: []Route{route}}
	s := New(cfg, log.New(io.Discard, "", 0))
	s.mu.Lock()
	s.listeners = []net.Listener{listener}
	s.mu.Unlock()
	go s.acceptLoop(listener, route)
	defer s.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: 127.0.0.1:%d\r\nx-api-key: sess-abc\r\n\r\n", port)

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("expected 200, got %q", statusLine)
	}

	body, _ := io.ReadAll(br)
	if !strings.Contains(string(body), "hello") {
		t.Fatalf("expected upstream body forwarded, got %q", string(body))
	}
	if gotAuth != "sk-REAL" {
		t.Fatalf("expected upstream to receive real secret, got %q", gotAuth)
	}
}

// spec.md §4.3: cancellation via process signal closes all listeners and
// returns non-zero. Serve must distinguish that from a plain bind failure
// or any other shutdown by returning ErrShutdown.
func TestServeReturnsErrShutdownOnSignalTriggeredClose(t *testing.T) {
	route := Route{Provider: "acme", ListenPort: 0, UpstreamHost: "example.com", AuthHeader: "x-api-key"}
	cfg := Config{SessionToken: "sess-abc", Routes: []Route{route}}
	s := New(cfg, log.New(io.Discard, "", 0))

	done := make(chan error, 1)
	go func() { done <- s.Serve(io.Discard) }()

	// Give Serve a moment to bind before closing it, mirroring the signal
	// handler goroutine in cmd/credential-proxy.
	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("expected Serve to return ErrShutdown after Close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after Close")
	}
}
