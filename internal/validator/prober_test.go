package validator

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/types"
)

func proberConfig(sslOnly bool) config.ValidatorConfig {
	return config.ValidatorConfig{
		TimeoutSeconds: 1,
		SSLOnly:        sslOnly,
		TestURL:        "http://www.google.com/generate_204",
		ConnectHost:    "www.google.com:443",
	}
}

// startFakeProxy serves each accepted connection with handler and tears
// the listener down with the test.
func startFakeProxy(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	return ln.Addr().String()
}

// readRequest consumes one request head and returns its first line.
func readRequest(br *bufio.Reader) (string, error) {
	first, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return first, err
		}
		if line == "\r\n" || line == "\n" {
			return first, nil
		}
	}
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "www.google.com"},
		DNSNames:     []string{"www.google.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	prober := NewTCPProber(proberConfig(true))
	oc := prober.Probe(context.Background(), addr)

	if oc.Success {
		t.Fatal("Expected probe against a closed port to fail")
	}
	if oc.Reason != types.ReasonConnectionRefused {
		t.Errorf("Expected connection_refused, got '%s' (%s)", oc.Reason, oc.Detail)
	}
}

func TestProbe_SilentServerTimesOut(t *testing.T) {
	addr := startFakeProxy(t, func(c net.Conn) {
		io.Copy(io.Discard, c)
		c.Close()
	})

	prober := NewTCPProber(proberConfig(true))
	start := time.Now()
	oc := prober.Probe(context.Background(), addr)

	if oc.Success {
		t.Fatal("Expected probe against a silent server to fail")
	}
	if oc.Reason != types.ReasonTimeout {
		t.Errorf("Expected timeout, got '%s' (%s)", oc.Reason, oc.Detail)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected the deadline to cut the probe short, took %s", elapsed)
	}
}

func TestProbe_NonHTTPResponse(t *testing.T) {
	addr := startFakeProxy(t, func(c net.Conn) {
		defer c.Close()
		if _, err := readRequest(bufio.NewReader(c)); err != nil {
			return
		}
		c.Write([]byte("SSH-2.0-OpenSSH_8.9\r\n"))
	})

	prober := NewTCPProber(proberConfig(true))
	oc := prober.Probe(context.Background(), addr)

	if oc.Success {
		t.Fatal("Expected probe against a non-HTTP endpoint to fail")
	}
	if oc.Reason != types.ReasonProtocolMismatch {
		t.Errorf("Expected protocol_mismatch, got '%s' (%s)", oc.Reason, oc.Detail)
	}
}

func TestProbe_ConnectRejectedAndNoGetLeg(t *testing.T) {
	var mu sync.Mutex
	var methods []string

	addr := startFakeProxy(t, func(c net.Conn) {
		defer c.Close()
		first, err := readRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		mu.Lock()
		methods = append(methods, strings.Fields(first)[0])
		mu.Unlock()
		c.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
	})

	prober := NewTCPProber(proberConfig(true))
	oc := prober.Probe(context.Background(), addr)

	if oc.Success {
		t.Fatal("Expected rejected CONNECT to fail the probe")
	}
	if oc.Reason != types.ReasonProtocolMismatch || oc.Detail != "CONNECT 403" {
		t.Errorf("Expected protocol_mismatch with 'CONNECT 403', got '%s' (%s)", oc.Reason, oc.Detail)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 1 || methods[0] != "CONNECT" {
		t.Errorf("Expected ssl-only mode to send a single CONNECT, saw %v", methods)
	}
}

func TestProbe_TunnelSuccess(t *testing.T) {
	cert := selfSignedCert(t)
	addr := startFakeProxy(t, func(c net.Conn) {
		defer c.Close()
		first, err := readRequest(bufio.NewReader(c))
		if err != nil || !strings.HasPrefix(first, "CONNECT") {
			return
		}
		c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		srv := tls.Server(c, &tls.Config{Certificates: []tls.Certificate{cert}})
		srv.Handshake()
	})

	prober := NewTCPProber(proberConfig(true))
	oc := prober.Probe(context.Background(), addr)

	if !oc.Success {
		t.Fatalf("Expected tunnel probe to succeed, got '%s' (%s)", oc.Reason, oc.Detail)
	}
	if len(oc.Protocols) != 1 || oc.Protocols[0] != types.ProtocolHTTPS {
		t.Errorf("Expected https capability only, got %v", oc.Protocols)
	}
}

func TestProbe_BrokenTunnelAfterConnect(t *testing.T) {
	addr := startFakeProxy(t, func(c net.Conn) {
		defer c.Close()
		if _, err := readRequest(bufio.NewReader(c)); err != nil {
			return
		}
		c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		c.Write([]byte("this is not a tls server"))
	})

	prober := NewTCPProber(proberConfig(true))
	oc := prober.Probe(context.Background(), addr)

	if oc.Success {
		t.Fatal("Expected a broken tunnel to fail the probe")
	}
	if oc.Reason != types.ReasonSSLHandshake {
		t.Errorf("Expected ssl_handshake_failed, got '%s' (%s)", oc.Reason, oc.Detail)
	}
}

func TestProbe_PlainHTTPLeg(t *testing.T) {
	addr := startFakeProxy(t, func(c net.Conn) {
		defer c.Close()
		first, err := readRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		if strings.HasPrefix(first, "CONNECT") {
			c.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
			return
		}
		c.Write([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
	})

	prober := NewTCPProber(proberConfig(false))
	oc := prober.Probe(context.Background(), addr)

	if !oc.Success {
		t.Fatalf("Expected the plain-HTTP leg to carry the probe, got '%s' (%s)", oc.Reason, oc.Detail)
	}
	if len(oc.Protocols) != 1 || oc.Protocols[0] != types.ProtocolHTTP {
		t.Errorf("Expected http capability only, got %v", oc.Protocols)
	}
}

func TestNewTCPProber_Derivations(t *testing.T) {
	p := NewTCPProber(config.ValidatorConfig{
		TestURL:     "http://example.com/generate_204",
		ConnectHost: "ssl.example.com:443",
	})
	if p.testHost != "example.com" {
		t.Errorf("Expected test host 'example.com', got '%s'", p.testHost)
	}
	if p.connectSNI != "ssl.example.com" {
		t.Errorf("Expected SNI 'ssl.example.com', got '%s'", p.connectSNI)
	}
	if p.timeout != 3*time.Second {
		t.Errorf("Expected the default 3s timeout, got %s", p.timeout)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want types.FailReason
	}{
		{context.DeadlineExceeded, types.ReasonTimeout},
		{syscall.ECONNREFUSED, types.ReasonConnectionRefused},
		{io.EOF, types.ReasonProtocolMismatch},
		{io.ErrUnexpectedEOF, types.ReasonProtocolMismatch},
		{errNotHTTP, types.ReasonProtocolMismatch},
		{&net.DNSError{IsTimeout: true}, types.ReasonTimeout},
		{errors.New("wat"), types.ReasonUnknown},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v): expected '%s', got '%s'", tc.err, tc.want, got)
		}
	}
}

func TestPickFailure_PrefersTunnelDiagnosis(t *testing.T) {
	httpLeg := legResult{reason: types.ReasonTimeout, detail: "i/o timeout"}
	httpsLeg := legResult{reason: types.ReasonSSLHandshake, detail: "bad record"}

	reason, detail := pickFailure(httpLeg, httpsLeg, false)
	if reason != types.ReasonSSLHandshake || detail != "bad record" {
		t.Errorf("Expected the tunnel diagnosis to win, got '%s' (%s)", reason, detail)
	}

	// When the tunnel never got past the dial, the GET leg speaks.
	httpsLeg = legResult{reason: types.ReasonConnectionRefused, detail: "refused"}
	httpLeg = legResult{reason: types.ReasonTimeout, detail: "i/o timeout"}
	reason, _ = pickFailure(httpLeg, httpsLeg, false)
	if reason != types.ReasonTimeout {
		t.Errorf("Expected the GET leg to speak, got '%s'", reason)
	}

	// ssl-only mode only ever has the tunnel leg.
	reason, _ = pickFailure(legResult{}, httpsLeg, true)
	if reason != types.ReasonConnectionRefused {
		t.Errorf("Expected the tunnel reason in ssl-only mode, got '%s'", reason)
	}
}
