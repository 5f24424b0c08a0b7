/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"time"

	"stash.kopano.io/kgol/smtprelay/relay"
)

// EventKind names what an Event is about.
type EventKind string

// Event kinds.
const (
	EventMessage EventKind = "message"
	EventRules   EventKind = "rules"
)

// Event is published by the server whenever a message was handled or the
// relay rules were loaded.
type Event struct {
	Kind EventKind
	When time.Time

	// Set for EventMessage.
	SessionID string
	Result    *relay.Result

	// Set for EventRules, nil on success.
	Err error
}
