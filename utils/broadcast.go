/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"context"
)

// A Broadcaster fans out published values to all current subscribers.
// Slow subscribers miss values instead of blocking the publisher.
type Broadcaster[T any] struct {
	bufferSize int
	stopped    AtomicBool

	publishCh     chan T
	subscribeCh   chan chan T
	unsubscribeCh chan chan T
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewBroadcaster creates a Broadcaster. Subscriber channels get bufferSize
// slots, 10 if bufferSize is not positive.
func NewBroadcaster[T any](bufferSize int) *Broadcaster[T] {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	return &Broadcaster[T]{
		bufferSize: bufferSize,

		publishCh:     make(chan T, 1),
		subscribeCh:   make(chan chan T),
		unsubscribeCh: make(chan chan T),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start pumps values to subscribers until Stop is called or ctx is done. All
// subscriber channels are closed when Start returns.
func (b *Broadcaster[T]) Start(ctx context.Context) {
	defer close(b.doneCh)

	subscribers := make(map[chan T]struct{})
	defer func() {
		for messageCh := range subscribers {
			close(messageCh)
		}
	}()

	for {
		select {
		case messageCh := <-b.subscribeCh:
			subscribers[messageCh] = struct{}{}

		case messageCh := <-b.unsubscribeCh:
			if _, ok := subscribers[messageCh]; ok {
				delete(subscribers, messageCh)
				close(messageCh)
			}

		case msg := <-b.publishCh:
			for messageCh := range subscribers {
				select {
				case messageCh <- msg:
				default:
				}
			}

		case <-b.stopCh:
			return

		case <-ctx.Done():
			b.Stop()
			return
		}
	}
}

// Stop ends Start. It is safe to call Stop multiple times.
func (b *Broadcaster[T]) Stop() {
	if b.stopped.CompareFalseAndSetTrue() {
		close(b.stopCh)
	}
}

// Subscribe returns a new channel receiving published values.
func (b *Broadcaster[T]) Subscribe() chan T {
	messageCh := make(chan T, b.bufferSize)
	select {
	case b.subscribeCh <- messageCh:
	case <-b.doneCh:
		close(messageCh)
	}
	return messageCh
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Broadcaster[T]) Unsubscribe(messageCh chan T) {
	select {
	case b.unsubscribeCh <- messageCh:
	case <-b.doneCh:
	}
}

// Broadcast publishes msg. It is dropped if the broadcaster was stopped.
func (b *Broadcaster[T]) Broadcast(msg T) {
	select {
	case b.publishCh <- msg:
	case <-b.doneCh:
	}
}
