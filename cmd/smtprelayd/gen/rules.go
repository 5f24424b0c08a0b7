/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"stash.kopano.io/kgol/smtprelay/relay"
)

func CommandRules() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules [domain] [host]",
		Short: "Generate a relay rules entry for a sender domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := relay.RelayTarget{
				Host: args[1],
			}
			target.Port, _ = cmd.Flags().GetInt("port")
			target.UseSSL, _ = cmd.Flags().GetBool("ssl")
			target.UseStartTLS, _ = cmd.Flags().GetBool("tls")
			target.HeloHostname, _ = cmd.Flags().GetString("helo-hostname")
			target.Username, _ = cmd.Flags().GetString("username")
			target.Password, _ = cmd.Flags().GetString("password")
			asYAML, _ := cmd.Flags().GetBool("yaml")

			return writeRules(cmd.OutOrStdout(), args[0], target, asYAML)
		},
	}

	rulesCmd.Flags().Int("port", relay.DefaultRelayPort, "Port of the relay server")
	rulesCmd.Flags().Bool("ssl", false, "Connect with implicit TLS")
	rulesCmd.Flags().Bool("tls", false, "Upgrade the connection with STARTTLS")
	rulesCmd.Flags().String("helo-hostname", "", "HELO hostname to announce to the relay server")
	rulesCmd.Flags().String("username", "", "Username to authenticate at the relay server")
	rulesCmd.Flags().String("password", "", "Password to authenticate at the relay server")
	rulesCmd.Flags().Bool("yaml", false, "Output YAML instead of JSON")

	return rulesCmd
}

type ruleMap map[string]relay.RelayTarget

func (rules ruleMap) Lookup(domain string) (relay.RelayTarget, bool, error) {
	target, ok := rules[domain]
	return target, ok, nil
}

// writeRules validates target the same way the service does before writing
// it as rules document for domain.
func writeRules(w io.Writer, domain string, target relay.RelayTarget, asYAML bool) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || strings.Contains(domain, "@") {
		return fmt.Errorf("invalid sender domain: %q", domain)
	}

	rules := ruleMap{domain: target}
	if _, err := relay.NewResolver(rules).Resolve(&relay.Envelope{
		MailFrom: "postmaster@" + domain,
	}); err != nil {
		return err
	}

	if asYAML {
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(rules); err != nil {
			return err
		}
		return encoder.Close()
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rules)
}
