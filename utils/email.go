/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"fmt"
	"strings"
)

// GetDomainFromEmail returns the domain part as defined in RFC 5322 of the
// provided email address, that is everything after the last @.
func GetDomainFromEmail(email string) (string, error) {
	_, domain, err := SplitEmail(email)
	return domain, err
}

// SplitEmail splits email at its last @ into local part and domain.
func SplitEmail(email string) (string, string, error) {
	at := strings.LastIndex(email, "@")
	if at >= 0 {
		return email[:at], email[at+1:], nil
	}

	return "", "", fmt.Errorf("no @ in value: %v", email)
}
