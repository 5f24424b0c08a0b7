/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package ipc shares the status of a running smtprelayd with other processes
// on the same host.
package ipc

import (
	"errors"

	"stash.kopano.io/kgol/smtprelay/server"
)

// ErrNotInitialized is returned when status sharing was not set up.
var ErrNotInitialized = errors.New("ipc status not initialized")

var (
	implStatus statusImpl
)

type statusImpl interface {
	clear() error
	set(*server.Status) error
	get() (*server.Status, error)
}

// MustInitializeStatusSHM initializes the status module using shared memory.
// The shared memory name is derived from statePath and projectID, so
// processes using the same values see the same status.
func MustInitializeStatusSHM(statePath, projectID string) {
	if implStatus != nil {
		panic("ipc status already initialized")
	}

	if statePath == "" {
		panic("state path must not be empty")
	}

	implStatus = &shmStatus{
		statePath: statePath,
		projectID: projectID,
	}
}

// ClearStatus removes the shared status.
func ClearStatus() error {
	if implStatus == nil {
		return ErrNotInitialized
	}
	return implStatus.clear()
}

// SetStatus publishes status.
func SetStatus(status *server.Status) error {
	if implStatus == nil {
		return ErrNotInitialized
	}
	return implStatus.set(status)
}

// GetStatus returns the last published status.
func GetStatus() (*server.Status, error) {
	if implStatus == nil {
		return nil, ErrNotInitialized
	}
	return implStatus.get()
}
