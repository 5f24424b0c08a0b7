/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Delivery is implemented by *Deliverer.
type Delivery interface {
	Deliver(ctx context.Context, target RelayTarget, env *Envelope) Outcome
}

// Result is what the gateway did with one envelope.
type Result struct {
	Reply   Reply
	Outcome Outcome

	// Target is nil when resolution failed.
	Target *RelayTarget

	Duration time.Duration
}

// GatewayConfig bundles gateway settings.
type GatewayConfig struct {
	Logger logrus.FieldLogger

	Resolver *Resolver
	Delivery Delivery

	// Inbound credentials. Authentication is disabled when unset.
	AuthUsername string
	AuthPassword string
	RequireAuth  bool

	// OnResult is called after every handled envelope.
	OnResult func(env *Envelope, result *Result)
}

// Gateway is the seam between the inbound SMTP engine and the relay core:
// resolve, deliver, translate. It is safe for concurrent use.
type Gateway struct {
	logger logrus.FieldLogger

	resolver *Resolver
	delivery Delivery

	authUsername string
	authPassword string
	requireAuth  bool

	onResult func(env *Envelope, result *Result)
}

// NewGateway creates a Gateway.
func NewGateway(config *GatewayConfig) (*Gateway, error) {
	if config.Resolver == nil {
		return nil, errors.New("gateway requires a resolver")
	}
	if config.Delivery == nil {
		return nil, errors.New("gateway requires a delivery")
	}
	if (config.AuthUsername == "") != (config.AuthPassword == "") {
		return nil, errors.New("gateway auth requires both username and password")
	}
	if config.RequireAuth && config.AuthUsername == "" {
		return nil, errors.New("gateway cannot require auth without credentials")
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Gateway{
		logger: logger.WithField("scope", "gateway"),

		resolver: config.Resolver,
		delivery: config.Delivery,

		authUsername: config.AuthUsername,
		authPassword: config.AuthPassword,
		requireAuth:  config.RequireAuth,

		onResult: config.OnResult,
	}, nil
}

// OnMessage handles env and returns the reply line for the inbound client.
func (g *Gateway) OnMessage(ctx context.Context, env *Envelope) string {
	return g.Handle(ctx, env).Reply.String()
}

// Handle resolves, delivers and translates env. It never panics, unexpected
// failures become an Unknown outcome.
func (g *Gateway) Handle(ctx context.Context, env *Envelope) *Result {
	started := time.Now()

	target, outcome := g.process(ctx, env)
	reply, err := Translate(outcome)
	if err != nil {
		outcome = failed(Unknown, "translate", err)
		reply = replyTable[Unknown]
	}

	result := &Result{
		Reply:    reply,
		Outcome:  outcome,
		Target:   target,
		Duration: time.Since(started),
	}
	g.report(env, result)

	return result
}

func (g *Gateway) process(ctx context.Context, env *Envelope) (target *RelayTarget, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = failed(Unknown, "panic", fmt.Errorf("%v", r))
		}
	}()

	if env == nil {
		return nil, failed(Unknown, "envelope", errors.New("no envelope"))
	}

	resolved, err := g.resolver.Resolve(env)
	if err != nil {
		return nil, OutcomeFromResolveError(err)
	}
	target = &resolved

	return target, g.delivery.Deliver(ctx, resolved, env)
}

// report logs one record per envelope and notifies the result hook. Neither
// may affect the reply.
func (g *Gateway) report(env *Envelope, result *Result) {
	defer func() {
		_ = recover()
	}()

	fields := logrus.Fields{
		"outcome":     result.Outcome.Kind.String(),
		"reply":       result.Reply.Code,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if env != nil {
		fields["session_id"] = env.SessionID
		fields["client"] = env.ClientAddress
		fields["from"] = env.MailFrom
		fields["rcpt_count"] = len(env.RcptTos)
	}
	if result.Target != nil {
		fields["target"] = result.Target.String()
	}
	if len(result.Outcome.Rejected) > 0 {
		rejected := make([]string, 0, len(result.Outcome.Rejected))
		for _, rejection := range result.Outcome.Rejected {
			rejected = append(rejected, rejection.String())
		}
		fields["rejected"] = rejected
	}

	logger := g.logger.WithFields(fields)
	if result.Outcome.Err != nil {
		logger = logger.WithError(result.Outcome.Err)
	}
	switch {
	case result.Reply.Success() && len(result.Outcome.Rejected) > 0:
		logger.Warnln("relayed mail, some recipients refused")
	case result.Reply.Success():
		logger.Infoln("relayed mail")
	default:
		logger.Warnln("failed to relay mail")
	}

	if g.onResult != nil {
		g.onResult(env, result)
	}
}

// AuthEnabled reports whether inbound credentials are configured.
func (g *Gateway) AuthEnabled() bool {
	return g.authUsername != ""
}

// AuthRequired reports whether anonymous inbound sessions are refused.
func (g *Gateway) AuthRequired() bool {
	return g.requireAuth
}

// Authenticate checks inbound credentials independently of any delivery.
func (g *Gateway) Authenticate(username, password string) bool {
	if !g.AuthEnabled() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(g.authUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(g.authPassword)) == 1
	return userOK && passOK
}
