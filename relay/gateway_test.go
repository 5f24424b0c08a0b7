/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// mappingDialer records dialed addresses and connects them to local test
// servers.
type mappingDialer struct {
	routes map[string]string
	refuse bool

	mutex  sync.Mutex
	dialed []string
}

func (d *mappingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mutex.Lock()
	d.dialed = append(d.dialed, address)
	d.mutex.Unlock()

	if d.refuse {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	if mapped, ok := d.routes[address]; ok {
		address = mapped
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

func (d *mappingDialer) Dialed() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.dialed...)
}

// panicDelivery panics on every delivery.
type panicDelivery struct{}

func (panicDelivery) Deliver(ctx context.Context, target RelayTarget, env *Envelope) Outcome {
	panic("boom")
}

const scenarioRules = `{"example.com": {"host": "relay.example.com", "port": 587, "tls": true, "username": "u", "password": "p"}}`

func newScenarioGateway(t *testing.T, dialer Dialer, clientTLS *tls.Config) *Gateway {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relayers.json")
	if err := os.WriteFile(path, []byte(scenarioRules), 0600); err != nil {
		t.Fatalf("failed to write rules: %v", err)
	}
	store := NewRuleStore(&RuleStoreConfig{
		Path:   path,
		Logger: newTestLogger(),
	})
	if err := store.Load(); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	gateway, err := NewGateway(&GatewayConfig{
		Logger:   newTestLogger(),
		Resolver: NewResolver(store),
		Delivery: NewDeliverer(&DelivererConfig{
			Logger:         newTestLogger(),
			Dialer:         dialer,
			TLSConfig:      clientTLS,
			ConnectTimeout: time.Second,
		}),
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	return gateway
}

func TestGatewayScenarioDelivered(t *testing.T) {
	serverTLS, clientTLS := newTestCertificate(t)
	be := &testBackend{username: "u", password: "p"}
	local := startTestRelay(t, be, &testRelayOptions{tlsConfig: serverTLS})
	dialer := &mappingDialer{
		routes: map[string]string{
			"relay.example.com:587": local.Address(),
		},
	}
	gateway := newScenarioGateway(t, dialer, clientTLS)

	reply := gateway.OnMessage(context.Background(), &Envelope{
		MailFrom: "a@example.com",
		RcptTos:  []string{"b@other.com"},
		Content:  testContent,
	})
	if reply != "250 Message accepted for delivery" {
		t.Fatalf("unexpected reply: %q", reply)
	}

	if dialed := dialer.Dialed(); len(dialed) != 1 || dialed[0] != "relay.example.com:587" {
		t.Errorf("unexpected dialed addresses: %v", dialed)
	}
	messages := be.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 relayed message, got %d", len(messages))
	}
	if !messages[0].WasTLS || messages[0].User != "u" {
		t.Errorf("message not sent over authenticated tls: %+v", messages[0])
	}
}

func TestGatewayScenarioNoRule(t *testing.T) {
	dialer := &mappingDialer{}
	gateway := newScenarioGateway(t, dialer, nil)

	result := gateway.Handle(context.Background(), &Envelope{
		MailFrom: "a@unknown.org",
		RcptTos:  []string{"b@other.com"},
		Content:  testContent,
	})
	if result.Reply.Code < 550 || result.Reply.Code > 554 {
		t.Errorf("unexpected reply: %v", result.Reply)
	}
	if result.Outcome.Kind != NoRelayConfigured {
		t.Errorf("unexpected outcome: %v", result.Outcome)
	}
	if result.Target != nil {
		t.Errorf("unexpected target")
	}
	if dialed := dialer.Dialed(); len(dialed) != 0 {
		t.Errorf("no connection must be attempted, got %v", dialed)
	}
}

func TestGatewayScenarioRefused(t *testing.T) {
	dialer := &mappingDialer{refuse: true}
	gateway := newScenarioGateway(t, dialer, nil)

	started := time.Now()
	reply := gateway.OnMessage(context.Background(), &Envelope{
		MailFrom: "a@example.com",
		RcptTos:  []string{"b@other.com"},
		Content:  testContent,
	})
	if !strings.HasPrefix(reply, "554 ") || !strings.Contains(reply, "connection") {
		t.Errorf("unexpected reply: %q", reply)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("refused delivery took %v", elapsed)
	}
}

func TestGatewayInvalidTargetNoConnection(t *testing.T) {
	dialer := &mappingDialer{}
	gateway, err := NewGateway(&GatewayConfig{
		Logger: newTestLogger(),
		Resolver: NewResolver(staticRules{
			"example.com": {Host: ".example.com", Port: 25},
		}),
		Delivery: NewDeliverer(&DelivererConfig{
			Logger: newTestLogger(),
			Dialer: dialer,
		}),
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	result := gateway.Handle(context.Background(), &Envelope{MailFrom: "a@example.com", RcptTos: []string{"b@other.com"}})
	if result.Outcome.Kind != InvalidRelayConfig || result.Reply.Code != 554 {
		t.Errorf("unexpected result: %v %v", result.Outcome, result.Reply)
	}
	if dialed := dialer.Dialed(); len(dialed) != 0 {
		t.Errorf("no connection must be attempted, got %v", dialed)
	}
}

func TestGatewayRecoversPanics(t *testing.T) {
	var hooked *Result
	gateway, err := NewGateway(&GatewayConfig{
		Logger: newTestLogger(),
		Resolver: NewResolver(staticRules{
			"example.com": {Host: "relay.example.com", Port: 25},
		}),
		Delivery: panicDelivery{},
		OnResult: func(env *Envelope, result *Result) {
			hooked = result
			panic("hook")
		},
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	result := gateway.Handle(context.Background(), &Envelope{MailFrom: "a@example.com"})
	if result.Outcome.Kind != Unknown {
		t.Errorf("expected unknown outcome, got %v", result.Outcome)
	}
	if result.Reply.String() != "554 Relay server error (unknown)" {
		t.Errorf("unexpected reply: %v", result.Reply)
	}
	if hooked != result {
		t.Errorf("result hook not called")
	}

	if reply := gateway.OnMessage(context.Background(), nil); !strings.HasPrefix(reply, "554 ") {
		t.Errorf("unexpected reply for nil envelope: %q", reply)
	}
}

func TestGatewayRulesUnavailable(t *testing.T) {
	gateway, err := NewGateway(&GatewayConfig{
		Logger:   newTestLogger(),
		Resolver: NewResolver(staticRules(nil)),
		Delivery: panicDelivery{},
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	result := gateway.Handle(context.Background(), &Envelope{MailFrom: "a@example.com"})
	if result.Outcome.Kind != RulesUnavailable || !result.Reply.Temporary() {
		t.Errorf("unexpected result: %v %v", result.Outcome, result.Reply)
	}
}

func TestGatewayAuthenticate(t *testing.T) {
	gateway, err := NewGateway(&GatewayConfig{
		Logger:       newTestLogger(),
		Resolver:     NewResolver(staticRules{}),
		Delivery:     panicDelivery{},
		AuthUsername: "user",
		AuthPassword: "secret",
		RequireAuth:  true,
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	if !gateway.AuthEnabled() || !gateway.AuthRequired() {
		t.Errorf("expected auth enabled and required")
	}

	for _, tc := range []struct {
		username string
		password string
		ok       bool
	}{
		{"user", "secret", true},
		{"user", "wrong", false},
		{"other", "secret", false},
		{"", "", false},
		{"user", "secret2", false},
	} {
		if ok := gateway.Authenticate(tc.username, tc.password); ok != tc.ok {
			t.Errorf("%s/%s: got %v, expected %v", tc.username, tc.password, ok, tc.ok)
		}
	}
}

func TestGatewayAuthDisabled(t *testing.T) {
	gateway, err := NewGateway(&GatewayConfig{
		Logger:   newTestLogger(),
		Resolver: NewResolver(staticRules{}),
		Delivery: panicDelivery{},
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	if gateway.AuthEnabled() || gateway.AuthRequired() {
		t.Errorf("expected auth disabled")
	}
	if gateway.Authenticate("", "") {
		t.Errorf("authentication must fail when disabled")
	}
}

func TestNewGatewayValidation(t *testing.T) {
	resolver := NewResolver(staticRules{})
	for idx, config := range []*GatewayConfig{
		{Delivery: panicDelivery{}},
		{Resolver: resolver},
		{Resolver: resolver, Delivery: panicDelivery{}, AuthUsername: "user"},
		{Resolver: resolver, Delivery: panicDelivery{}, RequireAuth: true},
	} {
		if _, err := NewGateway(config); err == nil {
			t.Errorf("config %d: expected error", idx)
		}
	}
}

func TestGatewayConcurrentMessages(t *testing.T) {
	be := &testBackend{}
	local := startTestRelay(t, be, nil)
	gateway, err := NewGateway(&GatewayConfig{
		Logger: newTestLogger(),
		Resolver: NewResolver(staticRules{
			"example.com": local,
		}),
		Delivery: NewDeliverer(&DelivererConfig{Logger: newTestLogger()}),
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	const count = 10
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply := gateway.OnMessage(context.Background(), &Envelope{
				MailFrom: "a@example.com",
				RcptTos:  []string{"b" + strconv.Itoa(i) + "@other.com"},
				Content:  testContent,
			})
			if !strings.HasPrefix(reply, "250 ") {
				t.Errorf("unexpected reply: %q", reply)
			}
		}(i)
	}
	wg.Wait()

	if messages := be.Messages(); len(messages) != count {
		t.Errorf("expected %d messages, got %d", count, len(messages))
	}
}

func TestGatewayPartialRejectionLogged(t *testing.T) {
	be := &testBackend{rejectRcpt: map[string]bool{"nobody@example.org": true}}
	target := startTestRelay(t, be, nil)
	logger, hook := logtest.NewNullLogger()

	gateway, err := NewGateway(&GatewayConfig{
		Logger:   logger,
		Resolver: NewResolver(staticRules{"example.com": target}),
		Delivery: NewDeliverer(&DelivererConfig{
			Logger:         newTestLogger(),
			ConnectTimeout: time.Second,
		}),
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	reply := gateway.OnMessage(context.Background(), newTestEnvelope("bob@example.org", "nobody@example.org"))
	if reply != "250 Message accepted for delivery" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if messages := be.Messages(); len(messages) != 1 || len(messages[0].To) != 1 || messages[0].To[0] != "bob@example.org" {
		t.Errorf("expected delivery to the accepted recipient only, got %v", messages)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a log entry for the relayed mail")
	}
	if entry.Level != logrus.WarnLevel {
		t.Errorf("expected warn level, got %v", entry.Level)
	}
	rejected, ok := entry.Data["rejected"].([]string)
	if !ok || len(rejected) != 1 {
		t.Fatalf("expected one rejected recipient, got %v", entry.Data["rejected"])
	}
	if !strings.HasPrefix(rejected[0], "nobody@example.org:") {
		t.Errorf("unexpected rejected recipient: %s", rejected[0])
	}
}
