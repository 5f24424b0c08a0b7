/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package version holds build information, set with -ldflags at build time.
package version

var (
	// Version specifies the version string.
	Version = "0.0.0-dev"

	// BuildDate specifies the build date string.
	BuildDate = "(unknown)"
)
