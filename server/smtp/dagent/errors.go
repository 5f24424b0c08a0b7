/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"github.com/emersion/go-smtp"

	"stash.kopano.io/kgol/smtprelay/relay"
)

var ErrLocalErrorInProcessingError = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCode{4, 3, 0},
	Message:      "Local error in processing",
}

var ErrServiceNotAvailable = &smtp.SMTPError{
	Code:         421,
	EnhancedCode: smtp.EnhancedCode{4, 3, 2},
	Message:      "Service not available, closing transmission channel",
}

var ErrRequestedActionNotTaken = &smtp.SMTPError{
	Code:         553,
	EnhancedCode: smtp.EnhancedCode{5, 1, 3},
	Message:      "Requested action not taken: mailbox name not allowed",
}

var ErrTransactionFailed = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 0, 0},
	Message:      "Error: transaction failed",
}

var ErrAuthenticationFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

var ErrBadSequence = &smtp.SMTPError{
	Code:         503,
	EnhancedCode: smtp.EnhancedCode{5, 5, 1},
	Message:      "Bad sequence of commands",
}

// replyError converts a relay reply into the error go-smtp sends to the
// client. Success replies return nil.
func replyError(reply relay.Reply) error {
	if reply.Success() {
		return nil
	}
	return &smtp.SMTPError{
		Code:         reply.Code,
		EnhancedCode: reply.EnhancedCode,
		Message:      reply.Message,
	}
}

// rejectionError converts the upstream reply for a refused recipient.
func rejectionError(rejection relay.RecipientRejection) error {
	enhancedCode := rejection.EnhancedCode
	if enhancedCode == (smtp.EnhancedCode{}) {
		enhancedCode = smtp.EnhancedCodeNotSet
	}
	return &smtp.SMTPError{
		Code:         rejection.Code,
		EnhancedCode: enhancedCode,
		Message:      rejection.Message,
	}
}
