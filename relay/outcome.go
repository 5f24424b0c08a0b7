/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// OutcomeKind classifies the result of one delivery attempt.
type OutcomeKind int

// Outcome kinds. The list is closed, the reply translator maps every kind.
const (
	Delivered OutcomeKind = iota
	NoRelayConfigured
	InvalidRelayConfig
	RulesUnavailable
	ConnectionFailed
	TLSNegotiationFailed
	AuthenticationFailed
	SenderRejected
	RecipientsRejected
	DataRejected
	ProtocolError
	Timeout
	Unknown

	outcomeKindCount
)

var outcomeKindNames = [...]string{
	Delivered:            "delivered",
	NoRelayConfigured:    "no_relay_configured",
	InvalidRelayConfig:   "invalid_relay_config",
	RulesUnavailable:     "rules_unavailable",
	ConnectionFailed:     "connection_failed",
	TLSNegotiationFailed: "tls_negotiation_failed",
	AuthenticationFailed: "authentication_failed",
	SenderRejected:       "sender_rejected",
	RecipientsRejected:   "recipients_rejected",
	DataRejected:         "data_rejected",
	ProtocolError:        "protocol_error",
	Timeout:              "timeout",
	Unknown:              "unknown",
}

func (kind OutcomeKind) String() string {
	if kind < 0 || kind >= outcomeKindCount {
		return fmt.Sprintf("outcome(%d)", int(kind))
	}
	return outcomeKindNames[kind]
}

// OutcomeKinds returns every defined outcome kind.
func OutcomeKinds() []OutcomeKind {
	kinds := make([]OutcomeKind, 0, outcomeKindCount)
	for kind := Delivered; kind < outcomeKindCount; kind++ {
		kinds = append(kinds, kind)
	}
	return kinds
}

// RecipientRejection is the upstream reply for a refused recipient.
type RecipientRejection struct {
	Recipient    string
	Code         int
	EnhancedCode smtp.EnhancedCode
	Message      string
}

func (r RecipientRejection) String() string {
	return fmt.Sprintf("%s: %d %s", r.Recipient, r.Code, r.Message)
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind OutcomeKind

	// Rejected lists refused recipients. It can be set for Delivered when
	// only some recipients were refused.
	Rejected []RecipientRejection

	Detail string
	Err    error
}

func (o Outcome) String() string {
	if o.Detail == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Detail
}

// failed builds a failure outcome for stage.
func failed(kind OutcomeKind, stage string, err error) Outcome {
	detail := stage
	if err != nil {
		detail = stage + ": " + err.Error()
	}
	return Outcome{
		Kind:   kind,
		Detail: detail,
		Err:    err,
	}
}

// OutcomeFromResolveError maps a Resolve error to its outcome.
func OutcomeFromResolveError(err error) Outcome {
	switch {
	case errors.Is(err, ErrNoRelayConfigured):
		return failed(NoRelayConfigured, "resolve", err)
	case errors.Is(err, ErrInvalidRelayConfig):
		return failed(InvalidRelayConfig, "resolve", err)
	case errors.Is(err, ErrRulesNotLoaded):
		return failed(RulesUnavailable, "resolve", err)
	default:
		return failed(Unknown, "resolve", err)
	}
}
