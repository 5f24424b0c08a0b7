/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

// Default delivery timeouts.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultDeliveryTimeout = 2 * time.Minute
	DefaultCommandTimeout  = time.Minute
)

// Dialer opens transport connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DelivererConfig bundles outbound delivery settings.
type DelivererConfig struct {
	Logger logrus.FieldLogger

	Dialer    Dialer
	TLSConfig *tls.Config

	// LocalName is the HELO/EHLO identity for targets without one.
	LocalName string

	ConnectTimeout  time.Duration
	DeliveryTimeout time.Duration
	CommandTimeout  time.Duration
}

// Deliverer performs single best effort deliveries to relay targets. It is
// safe for concurrent use, every delivery uses its own connection.
type Deliverer struct {
	logger logrus.FieldLogger

	dialer    Dialer
	tlsConfig *tls.Config
	localName string

	connectTimeout  time.Duration
	deliveryTimeout time.Duration
	commandTimeout  time.Duration
}

// NewDeliverer creates a Deliverer, filling in defaults for unset values.
func NewDeliverer(config *DelivererConfig) *Deliverer {
	d := &Deliverer{
		logger:    config.Logger,
		dialer:    config.Dialer,
		tlsConfig: config.TLSConfig,
		localName: config.LocalName,

		connectTimeout:  config.ConnectTimeout,
		deliveryTimeout: config.DeliveryTimeout,
		commandTimeout:  config.CommandTimeout,
	}
	if d.logger == nil {
		d.logger = logrus.StandardLogger()
	}
	d.logger = d.logger.WithField("scope", "deliver")
	if d.dialer == nil {
		d.dialer = &net.Dialer{}
	}
	if d.localName == "" {
		d.localName = defaultLocalName()
	}
	if d.connectTimeout <= 0 {
		d.connectTimeout = DefaultConnectTimeout
	}
	if d.deliveryTimeout <= 0 {
		d.deliveryTimeout = DefaultDeliveryTimeout
	}
	if d.commandTimeout <= 0 {
		d.commandTimeout = DefaultCommandTimeout
	}
	return d
}

func defaultLocalName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" || strings.ContainsAny(hostname, " \r\n") {
		return "localhost"
	}
	return hostname
}

// Deliver sends env to target. No retry is done, the connection is released
// before Deliver returns.
func (d *Deliverer) Deliver(ctx context.Context, target RelayTarget, env *Envelope) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	logger := d.logger.WithFields(logrus.Fields{
		"session_id": env.SessionID,
		"target":     target,
	})

	conn, outcome, ok := d.connect(ctx, target)
	if !ok {
		logger.WithError(outcome.Err).Debugln("relay connect failed")
		return outcome
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			logger.WithError(closeErr).Debugln("relay connection close error")
		}
	}()

	// Blocked reads and writes end when the delivery deadline closes the
	// connection.
	stop := closeOnDone(ctx, conn)
	defer stop()

	session := &deliverySession{
		ctx:    ctx,
		logger: logger,
		d:      d,
		target: target,
		env:    env,
		conn:   conn,
	}
	return session.run()
}

// connect dials target and performs implicit TLS if configured. The returned
// connection is closed at most once.
func (d *Deliverer) connect(ctx context.Context, target RelayTarget) (*releaseConn, Outcome, bool) {
	dialCtx, dialCancel := context.WithTimeout(ctx, d.connectTimeout)
	defer dialCancel()

	raw, err := d.dialer.DialContext(dialCtx, "tcp", target.Address())
	if err != nil {
		return nil, failed(classify(dialCtx, err, ConnectionFailed), "connect", err), false
	}
	conn := &releaseConn{Conn: raw}

	if target.UseSSL {
		tlsConn := tls.Client(raw, d.clientTLSConfig(target))
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, failed(classify(dialCtx, err, TLSNegotiationFailed), "tls handshake", err), false
		}
		conn.upgrade(tlsConn)
	}

	return conn, Outcome{}, true
}

func (d *Deliverer) clientTLSConfig(target RelayTarget) *tls.Config {
	var config *tls.Config
	if d.tlsConfig != nil {
		config = d.tlsConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = target.Host
	}
	if config.MinVersion == 0 {
		config.MinVersion = tls.VersionTLS12
	}
	return config
}

type deliverySession struct {
	ctx    context.Context
	logger logrus.FieldLogger
	d      *Deliverer

	target RelayTarget
	env    *Envelope
	conn   *releaseConn
	client *smtp.Client
}

func (s *deliverySession) run() Outcome {
	// The banner must arrive within the connect timeout.
	s.conn.SetDeadline(time.Now().Add(s.d.connectTimeout))
	client, err := smtp.NewClient(s.conn, s.target.Host)
	if err != nil {
		return s.fail(ConnectionFailed, "greeting", err)
	}
	s.conn.SetDeadline(time.Time{})
	client.CommandTimeout = s.d.commandTimeout
	client.SubmissionTimeout = s.d.deliveryTimeout
	s.client = client

	steps := []func() (Outcome, bool){
		s.greet,
		s.startTLS,
		s.authenticate,
	}
	for _, step := range steps {
		if outcome, ok := step(); !ok {
			return outcome
		}
	}

	return s.send()
}

func (s *deliverySession) greet() (Outcome, bool) {
	helo := s.target.HeloHostname
	if helo == "" {
		helo = s.d.localName
	}
	if err := s.client.Hello(helo); err != nil {
		return s.fail(ProtocolError, "hello", err), false
	}
	return Outcome{}, true
}

func (s *deliverySession) startTLS() (Outcome, bool) {
	if !s.target.UseStartTLS || s.target.UseSSL {
		return Outcome{}, true
	}

	if ok, _ := s.client.Extension("STARTTLS"); !ok {
		return failed(TLSNegotiationFailed, "starttls", errors.New("relay does not offer STARTTLS")), false
	}
	if err := s.client.StartTLS(s.d.clientTLSConfig(s.target)); err != nil {
		return s.fail(TLSNegotiationFailed, "starttls", err), false
	}

	s.logger.Debugln("relay connection upgraded to tls")
	return Outcome{}, true
}

func (s *deliverySession) authenticate() (Outcome, bool) {
	if !s.target.HasCredentials() {
		return Outcome{}, true
	}

	ok, mechanisms := s.client.Extension("AUTH")
	if !ok {
		return failed(AuthenticationFailed, "auth", errors.New("relay does not offer AUTH")), false
	}
	saslClient, err := saslClientFor(mechanisms, s.target)
	if err != nil {
		return failed(AuthenticationFailed, "auth", err), false
	}
	if err := s.client.Auth(saslClient); err != nil {
		return s.fail(AuthenticationFailed, "auth", err), false
	}

	return Outcome{}, true
}

func (s *deliverySession) send() Outcome {
	if err := s.client.Mail(s.env.MailFrom, nil); err != nil {
		return s.fail(SenderRejected, "mail from", err)
	}

	var rejected []RecipientRejection
	accepted := 0
	for _, rcptTo := range s.env.RcptTos {
		err := s.client.Rcpt(rcptTo)
		if err == nil {
			accepted++
			continue
		}
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			return s.fail(ProtocolError, "rcpt to", err)
		}
		rejected = append(rejected, RecipientRejection{
			Recipient:    rcptTo,
			Code:         smtpErr.Code,
			EnhancedCode: smtpErr.EnhancedCode,
			Message:      smtpErr.Message,
		})
	}
	if accepted == 0 {
		s.quit()
		return Outcome{
			Kind:     RecipientsRejected,
			Rejected: rejected,
			Detail:   "rcpt to: all recipients refused",
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return s.fail(DataRejected, "data", err)
	}
	if _, err = w.Write(s.env.Content); err != nil {
		return s.fail(ProtocolError, "data write", err)
	}
	if err = w.Close(); err != nil {
		return s.fail(DataRejected, "data end", err)
	}

	// The relay has taken the message, errors from here on are logged only.
	s.quit()

	return Outcome{
		Kind:     Delivered,
		Rejected: rejected,
	}
}

func (s *deliverySession) quit() {
	if err := s.client.Quit(); err != nil {
		s.logger.WithError(err).Debugln("relay quit failed")
	}
}

// fail classifies err for a failed stage. Upstream replies keep the stage
// kind, transport failures become Timeout or ProtocolError.
func (s *deliverySession) fail(kind OutcomeKind, stage string, err error) Outcome {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return failed(kind, stage, err)
	}

	switch kind {
	case SenderRejected, DataRejected:
		kind = ProtocolError
	}
	return failed(classify(s.ctx, err, kind), stage, err)
}

// classify returns Timeout when err or ctx indicate an expired deadline.
func classify(ctx context.Context, err error, kind OutcomeKind) OutcomeKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return kind
}

func saslClientFor(mechanisms string, target RelayTarget) (sasl.Client, error) {
	offered := make(map[string]bool)
	for _, mechanism := range strings.Fields(mechanisms) {
		offered[strings.ToUpper(mechanism)] = true
	}

	switch {
	case offered[sasl.Plain]:
		return sasl.NewPlainClient("", target.Username, target.Password), nil
	case offered[sasl.Login]:
		return sasl.NewLoginClient(target.Username, target.Password), nil
	}
	return nil, errors.New("no supported auth mechanism offered: " + mechanisms)
}

// releaseConn closes the underlying transport exactly once, no matter how
// many layers (smtp client, tls, deadline watcher) try to close it.
type releaseConn struct {
	net.Conn

	once     sync.Once
	closeErr error
}

func (c *releaseConn) Close() error {
	c.once.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// upgrade replaces the transport with a TLS client running on top of the
// raw connection. Closing still releases the raw connection once.
func (c *releaseConn) upgrade(tlsConn *tls.Conn) {
	c.Conn = &tlsCloser{Conn: tlsConn, raw: c.Conn}
}

// tlsCloser routes Close of a TLS layer to the raw connection so the raw
// transport is the only thing ever closed.
type tlsCloser struct {
	*tls.Conn
	raw net.Conn
}

func (c *tlsCloser) Close() error {
	return c.raw.Close()
}

func closeOnDone(ctx context.Context, conn *releaseConn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
