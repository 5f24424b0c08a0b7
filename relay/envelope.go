/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package relay implements sender domain based relay routing: rule lookup,
// outbound delivery to the upstream relay and translation of the delivery
// outcome into an SMTP reply.
package relay

// Envelope is one completed inbound mail transaction as handed over by the
// inbound SMTP engine. The core never modifies it.
type Envelope struct {
	MailFrom string
	RcptTos  []string
	Content  []byte

	// ClientAddress and SessionID are only used for logging.
	ClientAddress string
	SessionID     string
}
