/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"

	"stash.kopano.io/kgol/smtprelay/relay"
)

// Gateway is what sessions hand complete transactions to. *relay.Gateway
// implements it.
type Gateway interface {
	Handle(ctx context.Context, env *relay.Envelope) *relay.Result

	Authenticate(username, password string) bool
	AuthEnabled() bool
	AuthRequired() bool
}
