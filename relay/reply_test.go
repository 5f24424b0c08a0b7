/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTranslateIsTotal(t *testing.T) {
	seen := make(map[string]OutcomeKind)
	for _, kind := range OutcomeKinds() {
		reply, err := Translate(Outcome{Kind: kind})
		if err != nil {
			t.Errorf("%v: no reply: %v", kind, err)
			continue
		}
		if reply.Code < 200 || reply.Code > 599 {
			t.Errorf("%v: invalid code %d", kind, reply.Code)
		}
		if reply.Message == "" || strings.ContainsAny(reply.Message, "\r\n") {
			t.Errorf("%v: invalid message %q", kind, reply.Message)
		}
		if reply.EnhancedCode[0] != reply.Code/100 {
			t.Errorf("%v: enhanced code class %v does not match %d", kind, reply.EnhancedCode, reply.Code)
		}
		if strings.HasPrefix(kind.String(), "outcome(") {
			t.Errorf("%v: missing name", kind)
		}
		line := reply.String()
		if other, ok := seen[line]; ok {
			t.Errorf("%v and %v share reply %q", kind, other, line)
		}
		seen[line] = kind
	}
}

func TestTranslateUnknownKind(t *testing.T) {
	_, err := Translate(Outcome{Kind: outcomeKindCount})
	if !errors.Is(err, ErrUntranslatable) {
		t.Errorf("expected ErrUntranslatable, got %v", err)
	}
}

func TestTranslateReplies(t *testing.T) {
	for kind, expected := range map[OutcomeKind]string{
		Delivered:            "250 Message accepted for delivery",
		NoRelayConfigured:    "550 No relay rule for this sender domain",
		InvalidRelayConfig:   "554 Invalid relay server host",
		RulesUnavailable:     "451 Relay rules not available, try again later",
		ConnectionFailed:     "554 Relay server error (connection refused)",
		TLSNegotiationFailed: "554 Relay server error (TLS negotiation failed)",
		AuthenticationFailed: "554 Relay server error (authentication failed)",
		SenderRejected:       "554 Relay server error (sender refused)",
		RecipientsRejected:   "553 Recipients refused",
		DataRejected:         "554 Relay server error (data error)",
		ProtocolError:        "554 Relay server error (protocol)",
		Timeout:              "554 Relay server error (timeout)",
		Unknown:              "554 Relay server error (unknown)",
	} {
		reply, err := Translate(Outcome{Kind: kind, Detail: "ignored", Err: fmt.Errorf("ignored")})
		if err != nil {
			t.Fatalf("%v: %v", kind, err)
		}
		if reply.String() != expected {
			t.Errorf("%v: got %q, expected %q", kind, reply.String(), expected)
		}
	}
}

func TestReplyClasses(t *testing.T) {
	delivered, _ := Translate(Outcome{Kind: Delivered})
	if !delivered.Success() || delivered.Temporary() {
		t.Errorf("delivered must be success")
	}
	unavailable, _ := Translate(Outcome{Kind: RulesUnavailable})
	if unavailable.Success() || !unavailable.Temporary() {
		t.Errorf("rules unavailable must be temporary")
	}
	refused, _ := Translate(Outcome{Kind: ConnectionFailed})
	if refused.Success() || refused.Temporary() {
		t.Errorf("connection failed must be permanent")
	}
}

func TestOutcomeFromResolveError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		kind OutcomeKind
	}{
		{fmt.Errorf("%w: x", ErrNoRelayConfigured), NoRelayConfigured},
		{fmt.Errorf("%w: x", ErrInvalidRelayConfig), InvalidRelayConfig},
		{ErrRulesNotLoaded, RulesUnavailable},
		{errors.New("boom"), Unknown},
	} {
		outcome := OutcomeFromResolveError(tc.err)
		if outcome.Kind != tc.kind {
			t.Errorf("%v: got %v, expected %v", tc.err, outcome.Kind, tc.kind)
		}
		if !errors.Is(outcome.Err, tc.err) {
			t.Errorf("%v: cause not kept", tc.err)
		}
	}
}
