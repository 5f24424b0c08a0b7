/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/emersion/go-smtp"
)

// ErrUntranslatable is returned for outcome kinds without a reply mapping.
var ErrUntranslatable = errors.New("no reply for outcome")

// Reply is an SMTP reply for the inbound client.
type Reply struct {
	Code         int
	EnhancedCode smtp.EnhancedCode
	Message      string
}

// String formats the reply as a single reply line, "<code> <text>".
func (r Reply) String() string {
	return strconv.Itoa(r.Code) + " " + r.Message
}

// Success reports a 2xx reply.
func (r Reply) Success() bool {
	return r.Code >= 200 && r.Code < 300
}

// Temporary reports a 4xx reply.
func (r Reply) Temporary() bool {
	return r.Code >= 400 && r.Code < 500
}

var replyTable = map[OutcomeKind]Reply{
	Delivered:            {250, smtp.EnhancedCode{2, 0, 0}, "Message accepted for delivery"},
	NoRelayConfigured:    {550, smtp.EnhancedCode{5, 7, 1}, "No relay rule for this sender domain"},
	InvalidRelayConfig:   {554, smtp.EnhancedCode{5, 3, 5}, "Invalid relay server host"},
	RulesUnavailable:     {451, smtp.EnhancedCode{4, 3, 5}, "Relay rules not available, try again later"},
	ConnectionFailed:     {554, smtp.EnhancedCode{5, 4, 4}, "Relay server error (connection refused)"},
	TLSNegotiationFailed: {554, smtp.EnhancedCode{5, 7, 10}, "Relay server error (TLS negotiation failed)"},
	AuthenticationFailed: {554, smtp.EnhancedCode{5, 7, 8}, "Relay server error (authentication failed)"},
	SenderRejected:       {554, smtp.EnhancedCode{5, 1, 8}, "Relay server error (sender refused)"},
	RecipientsRejected:   {553, smtp.EnhancedCode{5, 1, 1}, "Recipients refused"},
	DataRejected:         {554, smtp.EnhancedCode{5, 6, 0}, "Relay server error (data error)"},
	ProtocolError:        {554, smtp.EnhancedCode{5, 5, 0}, "Relay server error (protocol)"},
	Timeout:              {554, smtp.EnhancedCode{5, 4, 7}, "Relay server error (timeout)"},
	Unknown:              {554, smtp.EnhancedCode{5, 0, 0}, "Relay server error (unknown)"},
}

// Translate returns the SMTP reply for an outcome.
func Translate(outcome Outcome) (Reply, error) {
	reply, ok := replyTable[outcome.Kind]
	if !ok {
		return Reply{}, fmt.Errorf("%w: %v", ErrUntranslatable, outcome.Kind)
	}
	return reply, nil
}
