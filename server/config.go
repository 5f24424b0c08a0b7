/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady  func(*Server)
	OnStatus func(*Server)

	// ListenAddress is the TCP address for inbound SMTP.
	ListenAddress string
	// Domain is announced to inbound clients.
	Domain string

	RulesPath           string
	RulesReloadInterval time.Duration

	ConnectTimeout  time.Duration
	DeliveryTimeout time.Duration
	HeloHostname    string

	AuthUsername string
	AuthPassword string
	RequireAuth  bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	MaxRecipients   int

	// WithStartTLS offers STARTTLS to inbound clients with a certificate
	// from StatePath.
	WithStartTLS bool
	StatePath    string

	MetricsListenAddress string

	// ShutdownTimeout limits how long deliveries in progress may take
	// after shutdown started.
	ShutdownTimeout time.Duration
}
