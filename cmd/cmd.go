/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/smtprelay/version"
)

// RootCmd provides the commandline parser root.
var RootCmd = &cobra.Command{
	Use:          "smtprelay",
	Short:        "Kopano SMTP relay gateway",
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(CommandVersion())
}

// CommandVersion provides the version sub command.
func CommandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version    : %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build date : %s\n", version.BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with : %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
