/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bundles dagent configuration settings.
type Config struct {
	Logger  logrus.FieldLogger
	Gateway Gateway

	// Domain is announced in the greeting.
	Domain string

	// TLSConfig enables STARTTLS for inbound clients when set.
	TLSConfig *tls.Config

	// AllowInsecureAuth offers AUTH on connections without TLS.
	AllowInsecureAuth bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	MaxRecipients   int

	LMTP bool
}
