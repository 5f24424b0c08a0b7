/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"bytes"
	"errors"
	"testing"

	"stash.kopano.io/kgol/smtprelay/relay"
)

func TestWriteRules(t *testing.T) {
	target := relay.RelayTarget{
		Host:        "relay.example.com",
		Port:        587,
		UseStartTLS: true,
		Username:    "relay-user",
		Password:    "relay-pass",
	}

	for _, asYAML := range []bool{false, true} {
		var out bytes.Buffer
		if err := writeRules(&out, " Example.COM ", target, asYAML); err != nil {
			t.Fatalf("unexpected error (yaml=%v): %v", asYAML, err)
		}

		parsed, err := relay.ParseRules(out.Bytes(), asYAML)
		if err != nil {
			t.Fatalf("generated rules do not parse (yaml=%v): %v\n%s", asYAML, err, out.String())
		}
		if parsed["example.com"] != target {
			t.Errorf("unexpected parsed target (yaml=%v): %+v", asYAML, parsed["example.com"])
		}
	}
}

func TestWriteRulesInvalid(t *testing.T) {
	var out bytes.Buffer

	err := writeRules(&out, "example.com", relay.RelayTarget{Host: ".example.com", Port: 25}, false)
	if !errors.Is(err, relay.ErrInvalidRelayConfig) {
		t.Errorf("expected ErrInvalidRelayConfig, got %v", err)
	}

	err = writeRules(&out, "example.com", relay.RelayTarget{Host: "relay.example.com", Port: 25, Username: "only"}, false)
	if !errors.Is(err, relay.ErrInvalidRelayConfig) {
		t.Errorf("expected ErrInvalidRelayConfig for half credentials, got %v", err)
	}

	if err = writeRules(&out, "alice@example.com", relay.RelayTarget{Host: "relay.example.com", Port: 25}, false); err == nil {
		t.Errorf("expected error for address as domain")
	}

	if out.Len() != 0 {
		t.Errorf("nothing must be written for invalid rules: %q", out.String())
	}
}

func TestCommandGen(t *testing.T) {
	genCmd := CommandGen()
	names := make(map[string]bool)
	for _, sub := range genCmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"man", "autocomplete", "rules"} {
		if !names[name] {
			t.Errorf("missing gen sub command %q", name)
		}
	}
}
