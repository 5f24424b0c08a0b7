/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[string](0)
	go b.Start(context.Background())

	var workers sync.WaitGroup
	var receive sync.WaitGroup

	total := 10

	workerFunc := func(idx int, messageCh chan string) {
		defer workers.Done()
		count := 0
		for message := range messageCh {
			if message != fmt.Sprintf("message: %d", count) {
				t.Errorf("worker %d message mismatch: %s, expected %d", idx, message, count)
			}
			count++
			if count == total {
				receive.Done()
			}
		}
		if count < total {
			t.Errorf("worker %d did not receive all messages: %d < %d", idx, count, total)
		}
	}
	for idx := 0; idx < 3; idx++ {
		messageCh := b.Subscribe()
		workers.Add(1)
		receive.Add(1)
		go workerFunc(idx, messageCh)
	}

	doneCh := make(chan struct{})
	go func() {
		for idx := 0; idx < total; idx++ {
			b.Broadcast(fmt.Sprintf("message: %d", idx))
		}
		receive.Wait()
		b.Stop()
		workers.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for all workers to exit")
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster[int](1)
	go b.Start(context.Background())
	defer b.Stop()

	messageCh := b.Subscribe()
	b.Unsubscribe(messageCh)

	select {
	case _, ok := <-messageCh:
		if ok {
			t.Errorf("expected closed channel after unsubscribe")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for unsubscribe")
	}
}

func TestBroadcasterContextStop(t *testing.T) {
	b := NewBroadcaster[int](1)
	ctx, cancel := context.WithCancel(context.Background())

	startDone := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(startDone)
	}()
	messageCh := b.Subscribe()
	cancel()

	select {
	case <-startDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("broadcaster did not stop with context")
	}
	if _, ok := <-messageCh; ok {
		t.Errorf("expected subscriber channel to be closed")
	}

	// Publishing after stop must not block.
	b.Broadcast(1)
	b.Stop()
}
