/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/relay"
	"stash.kopano.io/kgol/smtprelay/server/metrics"
	"stash.kopano.io/kgol/smtprelay/server/smtp/dagent"
	"stash.kopano.io/kgol/smtprelay/utils"
)

// Defaults for unset configuration values.
const (
	DefaultReadTimeout     = 10 * time.Minute
	DefaultWriteTimeout    = 10 * time.Minute
	DefaultMaxMessageBytes = 32 * 1024 * 1024
	DefaultMaxRecipients   = 100
	DefaultShutdownTimeout = 30 * time.Second

	statusInterval = 10 * time.Second
)

// Server is the SMTP relay service. It owns the relay rules, the gateway and
// the inbound SMTP listener.
type Server struct {
	config *Config

	logger logrus.FieldLogger

	rules   *relay.RuleStore
	gateway *relay.Gateway
	DAgent  *dagent.DAgent

	events    *utils.Broadcaster[*Event]
	triggerCh chan bool

	status *Status

	addr      net.Addr
	addrMutex sync.RWMutex
}

// NewServer constructs a server from the provided parameters. The relay rules
// are loaded once, failing to load them is an error.
func NewServer(c *Config) (*Server, error) {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		config: c,
		logger: logger,

		events:    utils.NewBroadcaster[*Event](128),
		triggerCh: make(chan bool, 1),

		status: &Status{
			Started:       time.Now(),
			ListenAddress: c.ListenAddress,
			RulesPath:     c.RulesPath,
		},
	}
	go s.events.Start(context.Background())

	s.rules = relay.NewRuleStore(&relay.RuleStoreConfig{
		Path:     c.RulesPath,
		Logger:   logger,
		OnReload: s.onReload,
	})
	if err := s.rules.Load(); err != nil {
		s.events.Stop()
		return nil, fmt.Errorf("failed to load relay rules: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":    c.RulesPath,
		"domains": len(s.rules.Domains()),
	}).Infoln("relay rules loaded")

	deliverer := relay.NewDeliverer(&relay.DelivererConfig{
		Logger:          logger,
		LocalName:       c.HeloHostname,
		ConnectTimeout:  c.ConnectTimeout,
		DeliveryTimeout: c.DeliveryTimeout,
	})

	var err error
	s.gateway, err = relay.NewGateway(&relay.GatewayConfig{
		Logger:   logger,
		Resolver: relay.NewResolver(s.rules),
		Delivery: deliverer,

		AuthUsername: c.AuthUsername,
		AuthPassword: c.AuthPassword,
		RequireAuth:  c.RequireAuth,

		OnResult: s.onResult,
	})
	if err != nil {
		s.events.Stop()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	domain := c.Domain
	if domain == "" {
		domain = defaultDomain()
	}

	dagentConfig := &dagent.Config{
		Logger:  logger,
		Gateway: s.gateway,
		Domain:  domain,
		LMTP:    false,

		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,

		MaxMessageBytes: c.MaxMessageBytes,
		MaxRecipients:   c.MaxRecipients,
	}
	if dagentConfig.ReadTimeout <= 0 {
		dagentConfig.ReadTimeout = DefaultReadTimeout
	}
	if dagentConfig.WriteTimeout <= 0 {
		dagentConfig.WriteTimeout = DefaultWriteTimeout
	}
	if dagentConfig.MaxMessageBytes <= 0 {
		dagentConfig.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if dagentConfig.MaxRecipients <= 0 {
		dagentConfig.MaxRecipients = DefaultMaxRecipients
	}

	if c.WithStartTLS {
		if c.StatePath == "" {
			s.events.Stop()
			return nil, errors.New("starttls requires a state path")
		}
		certificate, certErr := s.loadCertificate(domain)
		if certErr != nil {
			s.events.Stop()
			return nil, certErr
		}
		dagentConfig.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{certificate},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		// Credentials are only accepted from local clients in this case.
		dagentConfig.AllowInsecureAuth = true
	}

	s.DAgent, err = dagent.New(dagentConfig)
	if err != nil {
		s.events.Stop()
		return nil, fmt.Errorf("failed to create dagent server: %w", err)
	}

	return s, nil
}

// Logger returns the logger of the server.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Rules returns the relay rule store.
func (server *Server) Rules() *relay.RuleStore {
	return server.rules
}

// Addr returns the address of the inbound listener, nil before Serve
// started listening.
func (server *Server) Addr() net.Addr {
	server.addrMutex.RLock()
	defer server.addrMutex.RUnlock()
	return server.addr
}

// Subscribe returns a channel receiving all server events. Release it with
// Unsubscribe.
func (server *Server) Subscribe() chan *Event {
	return server.events.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe.
func (server *Server) Unsubscribe(eventCh chan *Event) {
	server.events.Unsubscribe(eventCh)
}

// Reload requests the relay rules to be reloaded, without waiting for it.
func (server *Server) Reload() {
	select {
	case server.triggerCh <- true:
	default:
	}
}

// Serve starts all the accociated servers resources and listeners and blocks
// until the context is done, a signal is received or an error occurs.
func (server *Server) Serve(ctx context.Context) error {
	var err error

	errCh := make(chan error, 3)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)
	readyCh := make(chan struct{}, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()
	defer server.events.Stop()

	logger := server.logger

	var serversWg sync.WaitGroup

	// Start DAgent.
	dagentListener, listenErr := net.Listen("tcp", server.config.ListenAddress)
	if listenErr != nil {
		return fmt.Errorf("failed to create dagent listener: %w", listenErr)
	}
	server.addrMutex.Lock()
	server.addr = dagentListener.Addr()
	server.addrMutex.Unlock()
	server.status.Lock()
	server.status.ListenAddress = dagentListener.Addr().String()
	server.status.Unlock()

	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", dagentListener.Addr()).Infoln("dagent listener started")
		serveErr := server.DAgent.Serve(dagentListener)
		if serveErr != nil && serveCtx.Err() == nil {
			errCh <- serveErr
		}
	}()

	// Start metrics.
	var metricsServer *http.Server
	if server.config.MetricsListenAddress != "" {
		metricsServer = metrics.NewServer(server.config.MetricsListenAddress)
		metricsListener, metricsListenErr := net.Listen("tcp", server.config.MetricsListenAddress)
		if metricsListenErr != nil {
			dagentListener.Close()
			return fmt.Errorf("failed to create metrics listener: %w", metricsListenErr)
		}
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithField("listen_addr", metricsListener.Addr()).Infoln("metrics listener started")
			serveErr := metricsServer.Serve(metricsListener)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- serveErr
			}
		}()
	}

	// Keep relay rules current.
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.rules.Watch(serveCtx, server.config.RulesReloadInterval, server.triggerCh)
	}()

	// Publish status.
	statusCh := server.events.Subscribe()
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.statusPump(serveCtx, statusCh)
	}()

	// Wait for all services to stop before closing the exit channel.
	go func() {
		serversWg.Wait()
		close(exitCh)
	}()

	go func() {
		select {
		case <-serveCtx.Done():
			return
		case <-readyCh:
		}
		logger.WithFields(logrus.Fields{
			"listen_addr": dagentListener.Addr().String(),
			"rules":       server.rules.Path(),
		}).Infoln("ready")
		if server.config.OnReady != nil {
			server.config.OnReady(server)
		}
	}()
	close(readyCh)

	// Wait for error or signal, with support for HUP to reload.
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signalCh)
	err = func() error {
		for {
			select {
			case errFromChannel := <-errCh:
				return errFromChannel
			case <-ctx.Done():
				return nil
			case reason := <-signalCh:
				if reason == syscall.SIGHUP {
					logger.Infoln("reload signal received, reloading relay rules")
					server.Reload()
					continue
				}
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			}
		}
	}()

	// Shutdown, refuse new transactions and let deliveries in progress finish.
	logger.Infoln("clean server shutdown start")

	shutdownTimeout := server.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCtxCancel()

	if shutdownErr := server.DAgent.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Debugln("dagent shutdown")
	}
	logger.Infoln("clean dagent shutdown complete")
	if metricsServer != nil {
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warnln("clean metrics shutdown failed")
		}
	}

	// Cancel our own context and wait for all services to shutdown.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				logger.Infoln("clean server shutdown complete, exiting")
				return
			default:
				// Some services still running.
				logger.Debugln("waiting services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warnln("received signal")
				return
			case <-shutdownCtx.Done():
				logger.Warnln("services did not exit in time")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	return err
}

// statusPump keeps the status current and calls OnStatus whenever it changed,
// and at least every statusInterval. Blocks until the context is done.
func (server *Server) statusPump(ctx context.Context, eventCh chan *Event) {
	defer server.events.Unsubscribe(eventCh)

	server.updateSessions()
	server.notifyStatus()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-eventCh:
			if !ok {
				return
			}
		case <-ticker.C:
		}

		server.updateSessions()
		server.notifyStatus()
	}
}

func (server *Server) updateSessions() {
	count := server.DAgent.SessionCount()
	metrics.SessionsOpen.Set(float64(count))
	server.status.SetSessions(count)
}

func (server *Server) notifyStatus() {
	if server.config.OnStatus != nil {
		server.config.OnStatus(server)
	}
}

func (server *Server) onReload(store *relay.RuleStore, err error) {
	metrics.ObserveReload(len(store.Domains()), err)
	server.status.SetRules(store, err)

	server.events.Broadcast(&Event{
		Kind: EventRules,
		When: time.Now(),
		Err:  err,
	})
}

func (server *Server) onResult(env *relay.Envelope, result *relay.Result) {
	metrics.ObserveResult(env, result)
	now := time.Now()
	server.status.AddMessage(now, result)

	event := &Event{
		Kind:   EventMessage,
		When:   now,
		Result: result,
	}
	if env != nil {
		event.SessionID = env.SessionID
	}
	server.events.Broadcast(event)
}
