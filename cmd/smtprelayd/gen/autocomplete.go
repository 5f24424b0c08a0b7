/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"fmt"

	"github.com/spf13/cobra"
)

func CommandAutoComplete() *cobra.Command {
	completionCmd := &cobra.Command{
		Use:   "autocomplete [bash|zsh|fish]",
		Short: "Generate shell autocompletion script",
		Long: `To load completions:

Bash:

  $ source <(kopano-smtprelayd gen autocomplete bash)

  # To load completions for each session, execute once:
  $ kopano-smtprelayd gen autocomplete bash > /etc/bash_completion.d/kopano-smtprelayd

Zsh:

  # If shell completion is not already enabled in your environment,
  # you will need to enable it.  You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ kopano-smtprelayd gen autocomplete zsh > "${fpath[1]}/_kopano-smtprelayd"

  # You will need to start a new shell for this setup to take effect.

fish:

  $ kopano-smtprelayd gen autocomplete fish | source

  # To load completions for each session, execute once:
  $ kopano-smtprelayd gen autocomplete fish > ~/.config/fish/completions/kopano-smtprelayd.fish

`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish"},
		Args:                  cobra.ExactValidArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			root.Use = DefaultRootUse

			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(out)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			}
			return fmt.Errorf("unsupported shell: %s", args[0])
		},
	}

	return completionCmd
}
