/*
 * This file is part of the host-mate distribution (https://github.com/mlipscombe/host-mate).
 * Copyright (c) 2024-2026 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

package mqtt

import (
	"sync"
)

// queuedMessage is one pending publish.
type queuedMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// publishQueue is the bounded buffer every publish passes through. A
// single writer goroutine drains it, so queue order is publish order.
// When the buffer is full the oldest entry is dropped; callers are never
// blocked by a slow or absent broker.
type publishQueue struct {
	mu      sync.Mutex
	entries []queuedMessage
	limit   int
}

func newPublishQueue(limit int) *publishQueue {
	return &publishQueue{limit: limit}
}

// Push appends a message. If the queue is at its limit the oldest entry
// is removed and returned with overflowed=true so the caller can log it.
func (q *publishQueue) Push(msg queuedMessage) (dropped queuedMessage, overflowed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.limit {
		dropped = q.entries[0]
		overflowed = true
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, msg)
	return dropped, overflowed
}

// PushFront returns a message to the head of the queue, used when a
// publish was popped but could not be delivered.
func (q *publishQueue) PushFront(msg queuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]queuedMessage{msg}, q.entries...)
}

// Pop removes and returns the head of the queue.
func (q *publishQueue) Pop() (queuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return queuedMessage{}, false
	}
	msg := q.entries[0]
	q.entries = q.entries[1:]
	return msg, true
}

// PromoteRetained stable-partitions the backlog so retained messages are
// flushed before the rest, each class keeping its original order. Called
// once per reconnection: a lost retained message costs the most (the
// entity definition itself), so it is replayed first.
func (q *publishQueue) PromoteRetained() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) < 2 {
		return
	}
	retained := make([]queuedMessage, 0, len(q.entries))
	rest := make([]queuedMessage, 0, len(q.entries))
	for _, msg := range q.entries {
		if msg.Retained {
			retained = append(retained, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	q.entries = append(retained, rest...)
}

// Len reports the number of pending messages.
func (q *publishQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
