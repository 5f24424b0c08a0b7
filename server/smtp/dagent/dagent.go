/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/lithammer/shortuuid/v3"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/utils"
)

// DAgent is the inbound SMTP side of the relay. It accepts transactions from
// local clients and hands each complete one to the gateway.
type DAgent struct {
	logger  logrus.FieldLogger
	gateway Gateway

	sessionContext       context.Context
	sessionContextCancel context.CancelFunc
	inShutdown           utils.AtomicBool

	s        *smtp.Server
	sessions cmap.ConcurrentMap

	listenersMutex sync.Mutex
	listeners      []*onceCloseListener
}

var _ smtp.Backend = (*DAgent)(nil) // Verify that *DAgent implements smtp.Backend.

func New(config *Config) (*DAgent, error) {
	if config.Gateway == nil {
		return nil, errors.New("dagent requires a gateway")
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{
		"scope": "dagent",
	})

	sessionContext, sessionContextCancel := context.WithCancel(context.Background())

	da := &DAgent{
		logger:  logger,
		gateway: config.Gateway,

		sessionContext:       sessionContext,
		sessionContextCancel: sessionContextCancel,

		sessions: cmap.New(),
	}

	da.s = smtp.NewServer(da)
	da.s.Domain = config.Domain
	da.s.AuthDisabled = !config.Gateway.AuthEnabled()
	da.s.TLSConfig = config.TLSConfig
	da.s.AllowInsecureAuth = config.AllowInsecureAuth
	da.s.ReadTimeout = config.ReadTimeout
	da.s.WriteTimeout = config.WriteTimeout
	da.s.MaxMessageBytes = config.MaxMessageBytes
	da.s.MaxRecipients = config.MaxRecipients
	da.s.ErrorLog = logger
	da.s.LMTP = config.LMTP

	return da, nil
}

// Login authenticates inbound clients against the gateway credentials.
func (da *DAgent) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if da.inShutdown.IsSet() {
		return nil, ErrServiceNotAvailable
	}
	if !da.gateway.AuthEnabled() {
		return nil, smtp.ErrAuthUnsupported
	}
	if !da.gateway.Authenticate(username, password) {
		da.logger.WithFields(logrus.Fields{
			"client":   remoteAddress(state),
			"username": username,
		}).Warnln("inbound authentication failed")
		return nil, ErrAuthenticationFailed
	}

	return da.newSession(state, username)
}

// AnonymousLogin starts sessions for unauthenticated clients, unless the
// gateway requires authentication.
func (da *DAgent) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	if da.inShutdown.IsSet() {
		return nil, ErrServiceNotAvailable
	}
	if da.gateway.AuthRequired() {
		return nil, smtp.ErrAuthRequired
	}

	return da.newSession(state, "")
}

func (da *DAgent) newSession(state *smtp.ConnectionState, username string) (smtp.Session, error) {
	sessionID := shortuuid.New()
	session, err := NewSession(da.sessionContext, &SessionConfig{
		ID:            sessionID,
		Username:      username,
		ClientAddress: remoteAddress(state),

		Gateway:  da.gateway,
		Logger:   da.logger,
		Closed:   da.inShutdown.IsSet,
		OnLogout: da.onLogout,
	})
	if err != nil {
		da.logger.WithError(err).WithField("session_id", sessionID).Errorln("failed to create SMTP session")
		return nil, ErrLocalErrorInProcessingError
	}
	da.sessions.Set(sessionID, session)

	return session, nil
}

// Serve accepts incoming connections on the Listener l. It returns nil once
// the listener was closed by Shutdown.
func (da *DAgent) Serve(l net.Listener) error {
	ol := &onceCloseListener{Listener: l}
	da.listenersMutex.Lock()
	if da.inShutdown.IsSet() {
		da.listenersMutex.Unlock()
		_ = ol.Close()
		return nil
	}
	da.listeners = append(da.listeners, ol)
	da.listenersMutex.Unlock()

	err := da.s.Serve(ol)
	if err != nil && da.inShutdown.IsSet() {
		return nil
	}
	return err
}

// SessionCount returns the number of open sessions.
func (da *DAgent) SessionCount() int {
	return da.sessions.Count()
}

// Shutdown stops accepting connections and refuses new transactions, waits
// for sessions which are handing a message to the gateway until ctx is done,
// then closes the server and all remaining connections.
func (da *DAgent) Shutdown(ctx context.Context) error {
	da.listenersMutex.Lock()
	da.inShutdown.SetTrue()
	listeners := da.listeners
	da.listenersMutex.Unlock()

	var err error
	for _, l := range listeners {
		if closeErr := l.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	func() {
		for {
			if da.busySessions() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				da.logger.WithField("busy", da.busySessions()).Warnln("shutdown timeout, aborting deliveries in progress")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	da.sessionContextCancel()
	if closeErr := da.s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (da *DAgent) busySessions() int {
	busy := 0
	for item := range da.sessions.IterBuffered() {
		if session, ok := item.Val.(*Session); ok && session.Busy() {
			busy++
		}
	}
	return busy
}

func (da *DAgent) onLogout(session *Session) {
	da.sessions.Remove(session.id)
}

func remoteAddress(state *smtp.ConnectionState) string {
	if state == nil || state.RemoteAddr == nil {
		return ""
	}
	return state.RemoteAddr.String()
}

// onceCloseListener makes Close idempotent, so the smtp.Server closing it
// again after Shutdown reports the first result.
type onceCloseListener struct {
	net.Listener

	once sync.Once
	err  error
}

func (l *onceCloseListener) Close() error {
	l.once.Do(func() {
		l.err = l.Listener.Close()
	})
	return l.err
}
