package proxy

import (
	"bufio"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxBodyBytes      = 100 << 20 // 100 MB, spec.md §4.3
	connDeadline      = 60 * time.Second
	readinessPrefix   = "primordial-proxy-ready"
	streamChunkBytes  = 32 << 10
)

// allowedResponseHeaders is the fixed allowlist from spec.md §4.3. Anything
// not listed here is dropped from the response the agent sees.
var allowedResponseHeaders = map[string]bool{
	"content-type":        true,
	"content-length":      true,
	"content-encoding":    true,
	"date":                true,
	"x-request-id":        true,
	"cache-control":       true,
	"retry-after":         true,
	"x-ratelimit-limit":   true,
	"x-ratelimit-remaining": true,
	"x-ratelimit-reset":   true,
}

// Server runs one loopback listener per provider route.
type Server struct {
	cfg       Config
	logger    *log.Logger
	debugReqs atomic.Int64

	mu        sync.Mutex
	listeners []net.Listener
	closing   bool
}

// ErrShutdown is returned by Serve when it stopped because Close was called
// (a signal-triggered shutdown), as distinct from Serve returning nil for
// any other reason. spec.md §4.3 requires the process to exit non-zero on
// signal-triggered shutdown, so callers check errors.Is(err, ErrShutdown).
var ErrShutdown = errors.New("proxy: shut down by signal")

// New constructs a Server from a validated Config.
func New(cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{cfg: cfg, logger: logger}
}

// Serve binds one listener per route, emits the readiness marker on
// stderrWriter only after every listener is bound, and then blocks serving
// connections until ctx-equivalent shutdown via Close. It refuses to serve
// any request until all listeners are bound, per spec.md §4.3.
func (s *Server) Serve(stderrWriter io.Writer) error {
	s.mu.Lock()
	ports := make([]int, 0, len(s.cfg.Routes))
	routeByPort := make(map[int]Route, len(s.cfg.Routes))
	for _, route := range s.cfg.Routes {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", route.ListenPort))
		if err != nil {
			for _, existing := range s.listeners {
				_ = existing.Close()
			}
			s.mu.Unlock()
			return fmt.Errorf("bind provider %s on port %d: %w", route.Provider, route.ListenPort, err)
		}
		s.listeners = append(s.listeners, l)
		routeByPort[route.ListenPort] = route
		ports = append(ports, route.ListenPort)
	}
	s.mu.Unlock()

	fmt.Fprintf(stderrWriter, "%s ports=%v\n", readinessPrefix, ports)

	var wg sync.WaitGroup
	errs := make(chan error, len(s.listeners))
	for i, l := range s.listeners {
		route := routeByPort[ports[i]]
		wg.Add(1)
		go func(l net.Listener, route Route) {
			defer wg.Done()
			errs <- s.acceptLoop(l, route)
		}(l, route)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	signaled := s.closing
	s.mu.Unlock()
	if signaled {
		return ErrShutdown
	}
	return nil
}

// Close shuts down every listener. Idempotent. Connections already accepted
// are not tracked and are not interrupted by Close; they end with their own
// deadline or when the process exits. It marks the shutdown as intentional so Serve reports ErrShutdown instead
// of nil, letting the caller exit non-zero per spec.md §4.3.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	var firstErr error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.listeners = nil
	return firstErr
}

func (s *Server) acceptLoop(l net.Listener, route Route) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil // Close already marked this shutdown as intentional
			}
			return fmt.Errorf("accept on %s: %w", route.Provider, err)
		}
		go s.handleConn(conn, route)
	}
}

// handleConn implements the state machine from spec.md §4.3:
// ReadRequestLine -> ReadHeaders -> ReadBody -> ForwardOpen -> StreamResponse -> Close.
func (s *Server) handleConn(conn net.Conn, route Route) {
	defer conn.Close()
	s.debugReqs.Add(1)

	_ = conn.SetDeadline(time.Now().Add(connDeadline))
	br := bufio.NewReader(conn)

	method, target, proto, ok := readRequestLine(br)
	if !ok {
		writeStatus(conn, 400, "bad request")
		return
	}

	header, contentLength, ok, status := readHeaders(br)
	if !ok {
		writeStatus(conn, status, statusText(status))
		return
	}
	if contentLength > maxBodyBytes {
		writeStatus(conn, 413, "payload too large")
		return
	}

	if !authenticate(header, route, s.cfg.SessionToken) {
		writeStatus(conn, 401, "unauthorized")
		return
	}

	host := header.Get("Host")
	if host != "" && host != route.UpstreamHost && !strings.HasPrefix(host, "127.0.0.1:") {
		writeStatus(conn, 400, "bad request")
		return
	}

	var body io.Reader = io.LimitReader(br, contentLength)

	upstreamResp, err := s.forward(method, target, proto, header, body, route)
	if err != nil {
		s.logger.Printf("proxy: forward to %s failed: %v", route.Provider, err)
		writeStatus(conn, 502, "upstream unavailable")
		return
	}
	defer upstreamResp.Body.Close()

	streamResponse(conn, upstreamResp)
}

func readRequestLine(br *bufio.Reader) (method, target, proto string, ok bool) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", "", "", false
	}
	if !strings.HasSuffix(line, "\r\n") {
		return "", "", "", false
	}
	line = strings.TrimSuffix(line, "\r\n")
	if strings.ContainsAny(line, "\r\n") {
		return "", "", "", false
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", false
	}
	if strings.ContainsAny(parts[1], "\r\n") {
		return "", "", "", false
	}
	if parts[2] != "HTTP/1.1" && parts[2] != "HTTP/1.0" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// readHeaders returns false with an HTTP status when the request must be
// rejected: chunked Transfer-Encoding is always 400 (no chunked ingestion —
// prevents request smuggling, per spec.md §4.3).
func readHeaders(br *bufio.Reader) (http.Header, int64, bool, int) {
	tp := textproto.NewReader(br)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, 0, false, 400
	}
	header := http.Header(mimeHeader)
	if header.Get("Transfer-Encoding") != "" {
		return nil, 0, false, 400
	}
	contentLength := int64(0)
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, 0, false, 400
		}
		contentLength = n
	}
	return header, contentLength, true, 200
}

// authenticate accepts either the provider's canonical auth_style header or
// Authorization: Bearer, carrying the session placeholder token exactly.
// It never distinguishes "missing" from "wrong" in its return value — both
// produce the same 401 body at the call site.
func authenticate(header http.Header, route Route, sessionToken string) bool {
	candidates := []string{}
	if route.AuthHeader == AuthBearer {
		if v := header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
			candidates = append(candidates, strings.TrimPrefix(v, "Bearer "))
		}
	} else {
		if v := header.Get(route.AuthHeader); v != "" {
			candidates = append(candidates, v)
		}
		if v := header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
			candidates = append(candidates, strings.TrimPrefix(v, "Bearer "))
		}
	}
	for _, c := range candidates {
		if subtle.ConstantTimeCompare([]byte(c), []byte(sessionToken)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) forward(method, target, proto string, inbound http.Header, body io.Reader, route Route) (*http.Response, error) {
	url := "https://" + route.UpstreamHost + target
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Proto = proto
	req.Host = route.UpstreamHost

	// Strip every inbound auth header before forwarding, then inject the
	// real secret in the header the provider's auth_style dictates.
	for k, v := range inbound {
		lk := strings.ToLower(k)
		if lk == "authorization" || strings.ToLower(route.AuthHeader) == lk || lk == "host" || lk == "content-length" {
			continue
		}
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
	if route.AuthHeader == AuthBearer {
		req.Header.Set("Authorization", "Bearer "+route.Secret)
	} else {
		req.Header.Set(route.AuthHeader, route.Secret)
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{ServerName: hostOnly(route.UpstreamHost)},
		},
		Timeout: connDeadline,
	}
	return client.Do(req)
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// streamResponse writes the status line, the allowlist-filtered headers,
// and the body in fixed-size chunks with an explicit flush per chunk —
// required for SSE/long-lived LLM streams per spec.md §4.3/§9.
func streamResponse(conn net.Conn, resp *http.Response) {
	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for k, values := range resp.Header {
		if !allowedResponseHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(bw, "Connection: close\r\n\r\n")
	bw.Flush()

	buf := make([]byte, streamChunkBytes)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := bw.Write(buf[:n]); werr != nil {
				return
			}
			if ferr := bw.Flush(); ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func writeStatus(conn net.Conn, code int, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", code, statusText(code), len(body), body)
}

func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "error"
}
