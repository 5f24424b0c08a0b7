/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"net"
	"strconv"
)

// DefaultRelayPort is used for rules which do not set a port.
const DefaultRelayPort = 25

// RelayTarget is the configuration of one upstream relay server.
type RelayTarget struct {
	Host         string `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port         int    `json:"port,omitempty" yaml:"port" validate:"min=1,max=65535"`
	UseSSL       bool   `json:"ssl,omitempty" yaml:"ssl"`
	UseStartTLS  bool   `json:"tls,omitempty" yaml:"tls"`
	HeloHostname string `json:"helo_hostname,omitempty" yaml:"helo_hostname"`
	Username     string `json:"username,omitempty" yaml:"username" validate:"required_with=Password"`
	Password     string `json:"password,omitempty" yaml:"password" validate:"required_with=Username"`
}

// Address returns the host:port to connect to.
func (target RelayTarget) Address() string {
	return net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
}

// HasCredentials reports whether the relay requires authentication.
func (target RelayTarget) HasCredentials() bool {
	return target.Username != "" && target.Password != ""
}

// String never includes the credentials, so targets can be logged.
func (target RelayTarget) String() string {
	return target.Address()
}
