package validator

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/types"
)

// Prober performs a single liveness probe against one proxy address.
type Prober interface {
	Probe(ctx context.Context, addr string) types.Outcome
}

// TCPProber speaks raw HTTP to the proxy itself instead of going through
// net/http, so a half-broken endpoint that accepts TCP but answers with
// garbage is classified instead of hanging in a transport retry.
type TCPProber struct {
	timeout     time.Duration
	sslOnly     bool
	testURL     string
	testHost    string
	connectAddr string
	connectSNI  string
}

func NewTCPProber(cfg config.ValidatorConfig) *TCPProber {
	testHost := "www.google.com"
	if u, err := url.Parse(cfg.TestURL); err == nil && u.Host != "" {
		testHost = u.Host
	}
	sni := cfg.ConnectHost
	if h, _, err := net.SplitHostPort(cfg.ConnectHost); err == nil {
		sni = h
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &TCPProber{
		timeout:     timeout,
		sslOnly:     cfg.SSLOnly,
		testURL:     cfg.TestURL,
		testHost:    testHost,
		connectAddr: cfg.ConnectHost,
		connectSNI:  sni,
	}
}

type legResult struct {
	ok        bool
	latencyMs int64
	reason    types.FailReason
	detail    string
}

// Probe tests the CONNECT tunnel first and, unless the prober runs in
// ssl-only mode, plain-HTTP forwarding as well. A proxy passing either
// leg counts as a success carrying the confirmed protocols.
func (p *TCPProber) Probe(ctx context.Context, addr string) types.Outcome {
	httpsLeg := p.probeConnect(ctx, addr)

	var httpLeg legResult
	if !p.sslOnly {
		httpLeg = p.probeGet(ctx, addr)
	}

	var oc types.Outcome
	if httpLeg.ok {
		oc.Protocols = append(oc.Protocols, types.ProtocolHTTP)
		oc.LatencyMs = httpLeg.latencyMs
	}
	if httpsLeg.ok {
		oc.Protocols = append(oc.Protocols, types.ProtocolHTTPS)
		oc.LatencyMs = httpsLeg.latencyMs
	}
	if len(oc.Protocols) > 0 {
		oc.Success = true
		return oc
	}

	oc.Reason, oc.Detail = pickFailure(httpLeg, httpsLeg, p.sslOnly)
	return oc
}

// pickFailure reduces two failed legs to one reason, preferring the
// tunnel leg when it got past the dial stage.
func pickFailure(httpLeg, httpsLeg legResult, sslOnly bool) (types.FailReason, string) {
	if sslOnly {
		return httpsLeg.reason, httpsLeg.detail
	}
	switch httpsLeg.reason {
	case types.ReasonSSLHandshake, types.ReasonProtocolMismatch:
		return httpsLeg.reason, httpsLeg.detail
	}
	if httpLeg.reason != "" {
		return httpLeg.reason, httpLeg.detail
	}
	return httpsLeg.reason, httpsLeg.detail
}

// probeGet sends an absolute-URI GET through the proxy and accepts any
// 2xx or 3xx answer as proof of plain-HTTP forwarding.
func (p *TCPProber) probeGet(ctx context.Context, addr string) legResult {
	start := time.Now()
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return failedLeg(err)
	}
	defer conn.Close()
	p.setDeadline(ctx, conn, start)

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", p.testURL, p.testHost)
	if _, err := conn.Write([]byte(req)); err != nil {
		return failedLeg(err)
	}

	code, err := parseStatus(bufio.NewReader(conn))
	if err != nil {
		return failedLeg(err)
	}
	if code < 200 || code >= 400 {
		return legResult{reason: types.ReasonProtocolMismatch, detail: fmt.Sprintf("HTTP %d", code)}
	}
	return legResult{ok: true, latencyMs: time.Since(start).Milliseconds()}
}

// probeConnect opens a CONNECT tunnel and completes a TLS handshake
// through it. The handshake is the part cheap liars fail: plenty of
// proxies answer 200 and then serve nothing.
func (p *TCPProber) probeConnect(ctx context.Context, addr string) legResult {
	start := time.Now()
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return failedLeg(err)
	}
	defer conn.Close()
	p.setDeadline(ctx, conn, start)

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", p.connectAddr, p.connectAddr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return failedLeg(err)
	}

	br := bufio.NewReader(conn)
	code, err := parseStatus(br)
	if err != nil {
		return failedLeg(err)
	}
	if code != 200 {
		return legResult{reason: types.ReasonProtocolMismatch, detail: fmt.Sprintf("CONNECT %d", code)}
	}
	if err := drainHeaders(br); err != nil {
		return failedLeg(err)
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         p.connectSNI,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if classify(err) == types.ReasonTimeout {
			return legResult{reason: types.ReasonTimeout, detail: err.Error()}
		}
		return legResult{reason: types.ReasonSSLHandshake, detail: err.Error()}
	}
	return legResult{ok: true, latencyMs: time.Since(start).Milliseconds()}
}

func (p *TCPProber) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: p.timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// setDeadline bounds the whole conversation on the connection, using the
// probe deadline or the context deadline, whichever comes first.
func (p *TCPProber) setDeadline(ctx context.Context, conn net.Conn, start time.Time) {
	deadline := start.Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
}

var errNotHTTP = errors.New("not an HTTP response")

func parseStatus(br *bufio.Reader) (int, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, errNotHTTP
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, errNotHTTP
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errNotHTTP
	}
	return code, nil
}

func drainHeaders(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

func failedLeg(err error) legResult {
	return legResult{reason: classify(err), detail: err.Error()}
}

func classify(err error) types.FailReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return types.ReasonConnectionRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, errNotHTTP):
		return types.ReasonProtocolMismatch
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return types.ReasonTimeout
	}
	return types.ReasonUnknown
}
