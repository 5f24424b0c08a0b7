/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

// ExitCodeStartupError is the exit code for failures before the service is
// ready.
const ExitCodeStartupError = 64

// ErrorWithExitCode is an error with an exit code for the process.
type ErrorWithExitCode struct {
	Err  error
	Code int
}

func (err *ErrorWithExitCode) Error() string {
	return err.Err.Error()
}

func (err *ErrorWithExitCode) Unwrap() error {
	return err.Err
}

// StartupError returns an error for failures before the service is ready.
func StartupError(err error) error {
	return &ErrorWithExitCode{
		Err:  err,
		Code: ExitCodeStartupError,
	}
}
