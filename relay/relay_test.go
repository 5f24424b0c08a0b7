/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// testMessage is what a test relay received.
type testMessage struct {
	From   string
	To     []string
	Data   []byte
	Helo   string
	User   string
	WasTLS bool
}

// testBackend is a go-smtp backend acting as upstream relay.
type testBackend struct {
	username string
	password string

	rejectFrom bool
	rejectRcpt map[string]bool
	rejectData bool

	mutex     sync.Mutex
	messages  []*testMessage
	mailCalls int
}

func (be *testBackend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if be.username == "" || username != be.username || password != be.password {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}
	return be.newSession(state, username), nil
}

func (be *testBackend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	if be.username != "" {
		return nil, smtp.ErrAuthRequired
	}
	return be.newSession(state, ""), nil
}

func (be *testBackend) newSession(state *smtp.ConnectionState, username string) *testSession {
	return &testSession{
		be: be,
		current: &testMessage{
			Helo:   state.Hostname,
			User:   username,
			WasTLS: state.TLS.HandshakeComplete,
		},
	}
}

func (be *testBackend) Messages() []*testMessage {
	be.mutex.Lock()
	defer be.mutex.Unlock()
	return append([]*testMessage(nil), be.messages...)
}

func (be *testBackend) MailCalls() int {
	be.mutex.Lock()
	defer be.mutex.Unlock()
	return be.mailCalls
}

type testSession struct {
	be      *testBackend
	current *testMessage
}

func (s *testSession) Mail(from string, opts smtp.MailOptions) error {
	s.be.mutex.Lock()
	s.be.mailCalls++
	s.be.mutex.Unlock()

	if s.be.rejectFrom {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 8}, Message: "Sender refused"}
	}
	s.current.From = from
	return nil
}

func (s *testSession) Rcpt(to string) error {
	if s.be.rejectRcpt[to] {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	}
	s.current.To = append(s.current.To, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.be.rejectData {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "Content refused"}
	}

	message := *s.current
	message.Data = data
	s.be.mutex.Lock()
	s.be.messages = append(s.be.messages, &message)
	s.be.mutex.Unlock()
	return nil
}

func (s *testSession) Reset() {
	s.current = &testMessage{
		Helo:   s.current.Helo,
		User:   s.current.User,
		WasTLS: s.current.WasTLS,
	}
}

func (s *testSession) Logout() error {
	return nil
}

type testRelayOptions struct {
	tlsConfig   *tls.Config
	implicitTLS bool
	noAuth      bool
}

// startTestRelay serves be on a loopback listener and returns a target
// pointing at it.
func startTestRelay(t *testing.T, be *testBackend, options *testRelayOptions) RelayTarget {
	t.Helper()
	if options == nil {
		options = &testRelayOptions{}
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if options.implicitTLS {
		l = tls.NewListener(l, options.tlsConfig)
	}

	s := smtp.NewServer(be)
	s.Domain = "relay.test"
	s.AllowInsecureAuth = true
	s.AuthDisabled = options.noAuth
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.ErrorLog = newTestLogger()
	if !options.implicitTLS {
		s.TLSConfig = options.tlsConfig
	}

	go func() {
		_ = s.Serve(l)
	}()
	t.Cleanup(func() {
		_ = s.Close()
	})

	return RelayTarget{
		Host: "127.0.0.1",
		Port: port,
	}
}

// newTestCertificate returns a server config with a self signed certificate
// for 127.0.0.1 and a client config trusting it.
func newTestCertificate(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		DNSNames:     []string{"relay.test", "relay.example.com"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(certificate)

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}
	clientConfig := &tls.Config{
		RootCAs: pool,
	}
	return serverConfig, clientConfig
}

// countingDialer records every connection so tests can check each one was
// closed exactly once.
type countingDialer struct {
	mutex sync.Mutex
	conns []*countingConn
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	counting := &countingConn{Conn: conn}
	d.mutex.Lock()
	d.conns = append(d.conns, counting)
	d.mutex.Unlock()
	return counting, nil
}

func (d *countingDialer) check(t *testing.T, expected int) {
	t.Helper()
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if len(d.conns) != expected {
		t.Errorf("expected %d connections, got %d", expected, len(d.conns))
	}
	for idx, conn := range d.conns {
		if closes := atomic.LoadInt32(&conn.closes); closes != 1 {
			t.Errorf("connection %d closed %d times", idx, closes)
		}
	}
}

type countingConn struct {
	net.Conn
	closes int32
}

func (c *countingConn) Close() error {
	atomic.AddInt32(&c.closes, 1)
	return c.Conn.Close()
}

// unusedPort returns a loopback port nobody listens on.
func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
