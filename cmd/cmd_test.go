/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package cmd

import (
	"bytes"
	"strings"
	"testing"

	"stash.kopano.io/kgol/smtprelay/version"
)

func TestCommandVersion(t *testing.T) {
	var out bytes.Buffer
	versionCmd := CommandVersion()
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	if !strings.Contains(out.String(), version.Version) {
		t.Errorf("version missing in output: %q", out.String())
	}
	if !strings.Contains(out.String(), "Build date") {
		t.Errorf("build date missing in output: %q", out.String())
	}
}
