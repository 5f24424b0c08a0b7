/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"errors"
	"io"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/relay"
	"stash.kopano.io/kgol/smtprelay/utils"
)

// SessionConfig bundles the settings of one inbound session.
type SessionConfig struct {
	ID            string
	Username      string
	ClientAddress string

	Gateway Gateway
	Logger  logrus.FieldLogger

	// Closed reports whether new transactions must be refused.
	Closed func() bool

	OnLogout SessionCb
}

// Session collects one transaction at a time and passes it to the gateway
// once the data is complete.
type Session struct {
	ctx context.Context
	id  string

	username      string
	clientAddress string

	gateway  Gateway
	logger   logrus.FieldLogger
	closed   func() bool
	onLogout SessionCb

	busy utils.AtomicBool

	from    string
	hasFrom bool
	rcptTos []string
}

type SessionCb func(session *Session)

func NewSession(ctx context.Context, config *SessionConfig) (*Session, error) {
	if config.Gateway == nil {
		return nil, errors.New("session requires a gateway")
	}
	closed := config.Closed
	if closed == nil {
		closed = func() bool { return false }
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	fields := logrus.Fields{
		"scope":      "dagent-session",
		"session_id": config.ID,
		"client":     config.ClientAddress,
	}
	if config.Username != "" {
		fields["username"] = config.Username
	}

	return &Session{
		ctx: ctx,
		id:  config.ID,

		username:      config.Username,
		clientAddress: config.ClientAddress,

		gateway:  config.Gateway,
		logger:   logger.WithFields(fields),
		closed:   closed,
		onLogout: config.OnLogout,
	}, nil
}

var _ smtp.Session = (*Session)(nil)     // Verify that *Session implements smtp.Session.
var _ smtp.LMTPSession = (*Session)(nil) // Verify that *Session implements smtp.LMTPSession.

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Busy reports whether the session is currently delivering a message.
func (s *Session) Busy() bool {
	return s.busy.IsSet()
}

func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	if s.closed() {
		return ErrServiceNotAvailable
	}
	s.logger.WithField("from", from).Debugln("mail from")

	s.from = from
	s.hasFrom = true
	s.rcptTos = nil

	return nil
}

func (s *Session) Rcpt(rcptTo string) error {
	if !s.hasFrom {
		return ErrBadSequence
	}
	s.logger.WithField("rcptTo", rcptTo).Debugln("mail rcptTo")
	if _, err := utils.GetDomainFromEmail(rcptTo); err != nil {
		s.logger.WithError(err).Debugln("invalid rcpt to value")
		return ErrRequestedActionNotTaken
	}

	s.rcptTos = append(s.rcptTos, rcptTo)

	return nil
}

func (s *Session) Data(r io.Reader) error {
	s.logger.Debugln("smtp mail data")

	result, err := s.deliver(r)
	if err != nil {
		return err
	}

	s.logger.WithField("reply", result.Reply.Code).Debugln("smtp mail data done")
	return replyError(result.Reply)
}

func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	s.logger.Debugln("lmtp mail data")

	result, err := s.deliver(r)
	if err != nil {
		return err
	}

	rejected := make(map[string]error, len(result.Outcome.Rejected))
	for _, rejection := range result.Outcome.Rejected {
		rejected[rejection.Recipient] = rejectionError(rejection)
	}
	replyErr := replyError(result.Reply)
	for _, rcptTo := range s.rcptTos {
		rcptErr := replyErr
		if rejectionErr, ok := rejected[rcptTo]; ok {
			rcptErr = rejectionErr
		}
		s.logger.WithFields(logrus.Fields{
			"status": rcptErr,
			"rcptTo": rcptTo,
		}).Debugln("lmtp set status")
		status.SetStatus(rcptTo, rcptErr)
	}

	s.logger.Debugln("lmtp mail data done")
	return nil
}

// deliver reads the message and hands the transaction to the gateway.
// Returned errors are replies for failures before the gateway was reached.
func (s *Session) deliver(r io.Reader) (*relay.Result, error) {
	if !s.hasFrom || len(s.rcptTos) == 0 {
		return nil, ErrBadSequence
	}

	// Marked busy before checking for shutdown, so a shutdown either waits
	// for this delivery or the delivery is refused.
	s.busy.SetTrue()
	defer s.busy.SetFalse()
	if s.closed() {
		return nil, ErrServiceNotAvailable
	}

	content, err := io.ReadAll(r)
	if err != nil {
		s.logger.WithError(err).Errorln("smtp data failed to read")
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return nil, smtpErr
		}
		return nil, ErrTransactionFailed
	}

	env := &relay.Envelope{
		MailFrom:      s.from,
		RcptTos:       append([]string(nil), s.rcptTos...),
		Content:       content,
		ClientAddress: s.clientAddress,
		SessionID:     s.id,
	}

	return s.gateway.Handle(s.ctx, env), nil
}

func (s *Session) Reset() {
	s.logger.Debugln("mail reset")

	s.from = ""
	s.hasFrom = false
	s.rcptTos = nil
}

func (s *Session) Logout() error {
	s.logger.Debugln("mail logout")
	if s.onLogout != nil {
		s.onLogout(s)
	}
	return nil
}
