/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultReloadInterval is how often the rule file is checked for changes
// when no interval is configured.
const DefaultReloadInterval = 30 * time.Second

// ErrRulesNotLoaded is returned by lookups before any rule file was loaded
// successfully.
var ErrRulesNotLoaded = errors.New("relay rules not loaded")

// ConfigError reports a missing or malformed rule file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("relay rules %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ruleSet is an immutable snapshot of a loaded rule file.
type ruleSet struct {
	targets map[string]RelayTarget

	loaded  time.Time
	modTime time.Time
	size    int64
}

// RuleStoreConfig bundles rule store settings.
type RuleStoreConfig struct {
	Path   string
	Logger logrus.FieldLogger

	// OnReload is called after every load attempt which read the file.
	OnReload func(store *RuleStore, err error)
}

// RuleStore maps sender domains to relay targets. Lookups see a complete
// snapshot, reloads swap the snapshot in one step.
type RuleStore struct {
	path     string
	logger   logrus.FieldLogger
	onReload func(store *RuleStore, err error)

	reloadMutex sync.Mutex

	rules      *ruleSet
	rulesMutex sync.RWMutex
}

// NewRuleStore creates a store for the rule file at config.Path. Nothing is
// read until Load is called.
func NewRuleStore(config *RuleStoreConfig) *RuleStore {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RuleStore{
		path:     config.Path,
		logger:   logger.WithField("scope", "rules"),
		onReload: config.OnReload,
	}
}

// Path returns the rule file path.
func (store *RuleStore) Path() string {
	return store.path
}

// Load reads and parses the rule file and replaces the active rules. On
// failure the previous rules stay active and a *ConfigError is returned.
func (store *RuleStore) Load() error {
	_, err := store.reload(true)
	return err
}

// Lookup returns the relay target for domain. Domains match exactly, ignoring
// case.
func (store *RuleStore) Lookup(domain string) (RelayTarget, bool, error) {
	rules := store.getRules()
	if rules == nil {
		return RelayTarget{}, false, ErrRulesNotLoaded
	}

	target, ok := rules.targets[strings.ToLower(domain)]
	return target, ok, nil
}

// Domains returns the sorted list of domains of the active rules.
func (store *RuleStore) Domains() []string {
	rules := store.getRules()
	if rules == nil {
		return nil
	}

	domains := make([]string, 0, len(rules.targets))
	for domain := range rules.targets {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Loaded returns when the active rules were loaded.
func (store *RuleStore) Loaded() (time.Time, bool) {
	rules := store.getRules()
	if rules == nil {
		return time.Time{}, false
	}
	return rules.loaded, true
}

// Watch reloads the rule file whenever it changed, checked every interval,
// and whenever trigger fires. Failed reloads are retried with backoff. Blocks
// until the context is done.
func (store *RuleStore) Watch(ctx context.Context, interval time.Duration, trigger <-chan bool) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	minRetry := time.Second
	if minRetry > interval {
		minRetry = interval
	}
	bo := &backoff.Backoff{
		Min:    minRetry,
		Max:    interval,
		Factor: 2,
		Jitter: true,
	}

	wait := interval
	for {
		force := false
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			force = true
		case <-time.After(wait):
		}

		changed, err := store.reload(force)
		if err != nil {
			wait = bo.Duration()
			store.logger.WithError(err).WithField("retry_in", wait).Warnln("failed to reload relay rules, keeping previous rules")
			continue
		}
		bo.Reset()
		wait = interval
		if changed {
			store.logger.WithField("domains", len(store.Domains())).Infoln("relay rules reloaded")
		}
	}
}

func (store *RuleStore) reload(force bool) (bool, error) {
	store.reloadMutex.Lock()
	defer store.reloadMutex.Unlock()

	info, err := os.Stat(store.path)
	if err != nil {
		err = &ConfigError{Path: store.path, Err: err}
		store.notify(err)
		return false, err
	}

	current := store.getRules()
	if !force && current != nil && info.ModTime().Equal(current.modTime) && info.Size() == current.size {
		return false, nil
	}

	data, err := os.ReadFile(store.path)
	if err != nil {
		err = &ConfigError{Path: store.path, Err: err}
		store.notify(err)
		return false, err
	}

	targets, err := ParseRules(data, isYAML(store.path))
	if err != nil {
		err = &ConfigError{Path: store.path, Err: err}
		store.notify(err)
		return false, err
	}

	store.replaceRules(&ruleSet{
		targets: targets,
		loaded:  time.Now(),
		modTime: info.ModTime(),
		size:    info.Size(),
	})
	store.logger.WithField("domains", len(targets)).Debugln("relay rules loaded")
	store.notify(nil)

	return true, nil
}

func (store *RuleStore) notify(err error) {
	if store.onReload != nil {
		store.onReload(store, err)
	}
}

func (store *RuleStore) getRules() *ruleSet {
	store.rulesMutex.RLock()
	defer store.rulesMutex.RUnlock()
	return store.rules
}

func (store *RuleStore) replaceRules(rules *ruleSet) {
	store.rulesMutex.Lock()
	store.rules = rules
	store.rulesMutex.Unlock()
}

// ParseRules decodes a rule document, JSON or YAML, into a map of lower case
// domains to relay targets. Targets without a port get DefaultRelayPort.
func ParseRules(data []byte, asYAML bool) (map[string]RelayTarget, error) {
	var raw map[string]RelayTarget

	if asYAML {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
	} else {
		decoder := json.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		if decoder.More() {
			return nil, errors.New("invalid json: trailing data after rules object")
		}
	}
	if raw == nil {
		return nil, errors.New("rules document must be an object of domains")
	}

	targets := make(map[string]RelayTarget, len(raw))
	for domain, target := range raw {
		key := strings.ToLower(strings.TrimSpace(domain))
		if key == "" {
			return nil, errors.New("empty domain in rules")
		}
		if _, exists := targets[key]; exists {
			return nil, fmt.Errorf("duplicate domain in rules: %s", key)
		}
		if target.Port == 0 {
			target.Port = DefaultRelayPort
		}
		targets[key] = target
	}

	return targets, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
