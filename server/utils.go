/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"net"
	"os"
	"strconv"
)

// ListenAddress returns the inbound listen address for port. Only loopback
// is used unless public is set.
func ListenAddress(port int, public bool) string {
	host := "127.0.0.1"
	if public {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func defaultDomain() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "localhost"
	}
	return hostname
}
