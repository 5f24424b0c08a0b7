/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"stash.kopano.io/kgol/smtprelay/relay"
)

// Status is a snapshot of the running service, shared with the status
// command.
type Status struct {
	sync.RWMutex

	Started       time.Time `json:"started"`
	ListenAddress string    `json:"listen_addr"`

	RulesPath   string     `json:"rules_path"`
	RulesLoaded *time.Time `json:"rules_loaded,omitempty"`
	RulesError  *string    `json:"rules_error,omitempty"`
	Domains     []string   `json:"domains"`

	Sessions int `json:"sessions"`

	Messages    map[string]uint64 `json:"messages"`
	LastMessage *MessageStatus    `json:"last_message,omitempty"`
}

// MessageStatus describes a handled message.
type MessageStatus struct {
	When     time.Time `json:"when"`
	Outcome  string    `json:"outcome"`
	Reply    string    `json:"reply"`
	Target   string    `json:"target,omitempty"`
	Rejected int       `json:"rejected,omitempty"`
}

func (status *Status) Copy() (*Status, error) {
	status.RLock()
	defer status.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
		DeepCopy:    true,
	})
	// The copy must not inherit the lock state.
	s.RWMutex = sync.RWMutex{}

	return s, err
}

// SetRules records the result of a rule load. Failed loads keep the
// previously loaded domains.
func (status *Status) SetRules(store *relay.RuleStore, err error) {
	status.Lock()
	defer status.Unlock()

	status.RulesPath = store.Path()
	if err != nil {
		reason := err.Error()
		status.RulesError = &reason
		return
	}

	status.RulesError = nil
	if loaded, ok := store.Loaded(); ok {
		status.RulesLoaded = &loaded
	}
	status.Domains = store.Domains()
}

// AddMessage counts a handled message.
func (status *Status) AddMessage(when time.Time, result *relay.Result) {
	status.Lock()
	defer status.Unlock()

	if status.Messages == nil {
		status.Messages = make(map[string]uint64)
	}
	outcome := result.Outcome.Kind.String()
	status.Messages[outcome]++

	last := &MessageStatus{
		When:     when,
		Outcome:  outcome,
		Reply:    result.Reply.String(),
		Rejected: len(result.Outcome.Rejected),
	}
	if result.Target != nil {
		last.Target = result.Target.String()
	}
	status.LastMessage = last
}

// SetSessions records the number of open inbound sessions.
func (status *Status) SetSessions(count int) {
	status.Lock()
	status.Sessions = count
	status.Unlock()
}

// Status returns a copy of the current server status.
func (server *Server) Status() (*Status, error) {
	return server.status.Copy()
}
