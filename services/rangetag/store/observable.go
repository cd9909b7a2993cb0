// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"slices"

	"github.com/google/uuid"
)

// subscription is a registered change handler.
type subscription struct {
	id      string
	handler Handler
	active  bool
}

// ObservableStore is an OrderedStore that reports every successful
// structural mutation to its subscribers.
//
// Description:
//
//	Each successful public mutation produces exactly one Change; failed
//	mutations produce none. Handlers run synchronously, in subscription
//	order, before the mutating call returns.
//
//	A handler may mutate the store it listens to. The mutation is applied
//	immediately, but its Change is queued and delivered only after the
//	current Change has reached every subscriber, so all subscribers see
//	changes in the order the store applied them. Every Change carries the
//	Seq it was applied under.
//
// Thread Safety: Not safe for concurrent use.
type ObservableStore struct {
	*OrderedStore

	subscribers []*subscription
	pending     []Change
	dispatching bool
	seq         uint64
}

// NewObservableStore creates an empty observable store.
func NewObservableStore(opts ...Option) *ObservableStore {
	s := &ObservableStore{OrderedStore: NewOrderedStore(opts...)}
	s.OrderedStore.sink = s.publish
	return s
}

// Subscribe registers h and returns its subscription ID.
//
// Inputs:
//   - h: The handler. Must not be nil.
//
// Outputs:
//   - string: Subscription ID for Unsubscribe.
func (s *ObservableStore) Subscribe(h Handler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: h,
		active:  true,
	}
	s.subscribers = append(s.subscribers, sub)
	recordSubscribers(s.options.Name, 1)
	return sub.id
}

// Unsubscribe removes a subscription. A handler unsubscribed during
// dispatch receives no further changes, including the current one if it
// has not been called yet.
//
// Outputs:
//   - bool: False when the ID is unknown.
func (s *ObservableStore) Unsubscribe(id string) bool {
	for i, sub := range s.subscribers {
		if sub.id == id {
			sub.active = false
			s.subscribers = slices.Delete(s.subscribers, i, i+1)
			recordSubscribers(s.options.Name, -1)
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscriptions.
func (s *ObservableStore) SubscriberCount() int { return len(s.subscribers) }

// Seq returns the sequence number of the last applied change, or 0 when
// the store has never changed. Entries always reflects every change up to
// Seq, including changes still queued for delivery.
func (s *ObservableStore) Seq() uint64 { return s.seq }

// publish queues c and, unless a delivery is already in progress, drains
// the queue.
func (s *ObservableStore) publish(c Change) {
	s.seq++
	c.Seq = s.seq
	s.pending = append(s.pending, c)
	if s.dispatching {
		return
	}

	s.dispatching = true
	defer func() {
		s.dispatching = false
	}()

	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending[0] = Change{}
		s.pending = s.pending[1:]

		recordChange(s.options.Name, next.Kind)
		for _, sub := range slices.Clone(s.subscribers) {
			if sub.active {
				s.safeInvokeHandler(sub, next)
			}
		}
	}
	s.pending = nil
}

// safeInvokeHandler invokes a handler with panic recovery so one broken
// subscriber cannot starve the others.
func (s *ObservableStore) safeInvokeHandler(sub *subscription, c Change) {
	defer func() {
		if r := recover(); r != nil {
			recordHandlerPanic(s.options.Name)
			s.options.Logger.Error("store change handler panicked",
				"store", s.options.Name,
				"subscription_id", sub.id,
				"change", c.Kind.String(),
				"position", c.Position,
				"panic", r,
			)
		}
	}()
	sub.handler(c)
}
