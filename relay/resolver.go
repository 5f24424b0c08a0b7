/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"stash.kopano.io/kgol/smtprelay/utils"
)

var (
	ErrNoRelayConfigured  = errors.New("no relay rule for sender domain")
	ErrInvalidRelayConfig = errors.New("invalid relay target")
)

// RuleLookup is implemented by *RuleStore.
type RuleLookup interface {
	Lookup(domain string) (RelayTarget, bool, error)
}

// Resolver finds the relay target for an envelope's sender domain.
type Resolver struct {
	rules    RuleLookup
	validate *validator.Validate
}

// NewResolver creates a Resolver reading from rules.
func NewResolver(rules RuleLookup) *Resolver {
	return &Resolver{
		rules:    rules,
		validate: validator.New(),
	}
}

// Resolve returns the validated relay target for the sender domain of env.
// It never opens connections.
func (r *Resolver) Resolve(env *Envelope) (RelayTarget, error) {
	domain := SenderDomain(env.MailFrom)

	target, ok, err := r.rules.Lookup(domain)
	if err != nil {
		return RelayTarget{}, err
	}
	if !ok {
		return RelayTarget{}, fmt.Errorf("%w: %q", ErrNoRelayConfigured, domain)
	}

	if err := r.validateTarget(target); err != nil {
		return RelayTarget{}, fmt.Errorf("%w for %q: %v", ErrInvalidRelayConfig, domain, err)
	}

	return target, nil
}

func (r *Resolver) validateTarget(target RelayTarget) error {
	// Relative hosts must never reach the dialer.
	if target.Host == "" {
		return errors.New("empty host")
	}
	if strings.HasPrefix(target.Host, ".") {
		return fmt.Errorf("host must not start with a dot: %q", target.Host)
	}

	return r.validate.Struct(target)
}

// SenderDomain returns everything after the last @ of addr, or addr itself
// when it has no @.
func SenderDomain(addr string) string {
	domain, err := utils.GetDomainFromEmail(addr)
	if err != nil {
		return addr
	}
	return domain
}
