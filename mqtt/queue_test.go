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
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func drain(q *publishQueue) []string {
	var topics []string
	for {
		msg, ok := q.Pop()
		if !ok {
			return topics
		}
		topics = append(topics, msg.Topic)
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	q := newPublishQueue(10)
	for i := 0; i < 5; i++ {
		q.Push(queuedMessage{Topic: fmt.Sprintf("t/%d", i)})
	}

	want := []string{"t/0", "t/1", "t/2", "t/3", "t/4"}
	if diff := cmp.Diff(want, drain(q)); diff != "" {
		t.Errorf("queue order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := newPublishQueue(3)
	var droppedTopics []string
	for i := 0; i < 5; i++ {
		dropped, overflowed := q.Push(queuedMessage{Topic: fmt.Sprintf("t/%d", i)})
		if overflowed {
			droppedTopics = append(droppedTopics, dropped.Topic)
		}
	}

	if diff := cmp.Diff([]string{"t/0", "t/1"}, droppedTopics); diff != "" {
		t.Errorf("dropped topics mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t/2", "t/3", "t/4"}, drain(q)); diff != "" {
		t.Errorf("surviving topics mismatch (-want +got):\n%s", diff)
	}
}

func TestQueuePushFront(t *testing.T) {
	q := newPublishQueue(10)
	q.Push(queuedMessage{Topic: "t/1"})
	q.Push(queuedMessage{Topic: "t/2"})

	msg, ok := q.Pop()
	if !ok || msg.Topic != "t/1" {
		t.Fatalf("Pop() = %v, %v, want t/1", msg.Topic, ok)
	}
	q.PushFront(msg)

	if diff := cmp.Diff([]string{"t/1", "t/2"}, drain(q)); diff != "" {
		t.Errorf("queue after PushFront mismatch (-want +got):\n%s", diff)
	}
}

func TestQueuePromoteRetained(t *testing.T) {
	tests := []struct {
		name     string
		messages []queuedMessage
		want     []string
	}{
		{
			name: "retained moved ahead, both classes keep order",
			messages: []queuedMessage{
				{Topic: "state/1"},
				{Topic: "config/1", Retained: true},
				{Topic: "state/2"},
				{Topic: "config/2", Retained: true},
				{Topic: "state/3"},
			},
			want: []string{"config/1", "config/2", "state/1", "state/2", "state/3"},
		},
		{
			name: "all retained unchanged",
			messages: []queuedMessage{
				{Topic: "config/1", Retained: true},
				{Topic: "config/2", Retained: true},
			},
			want: []string{"config/1", "config/2"},
		},
		{
			name: "no retained unchanged",
			messages: []queuedMessage{
				{Topic: "state/1"},
				{Topic: "state/2"},
			},
			want: []string{"state/1", "state/2"},
		},
		{
			name:     "empty queue",
			messages: nil,
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newPublishQueue(10)
			for _, msg := range tt.messages {
				q.Push(msg)
			}
			q.PromoteRetained()
			if diff := cmp.Diff(tt.want, drain(q)); diff != "" {
				t.Errorf("flush order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQueueLen(t *testing.T) {
	q := newPublishQueue(10)
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
	q.Push(queuedMessage{Topic: "t/1"})
	q.Push(queuedMessage{Topic: "t/2"})
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

// Offline buffering end to end: messages published while the session is
// down survive (up to the bound), and reconnection flushes retained
// definitions before queued states.
func TestOfflineBufferFlushOrder(t *testing.T) {
	q := newPublishQueue(4)
	q.Push(queuedMessage{Topic: "state/old"})
	q.Push(queuedMessage{Topic: "state/older"})
	q.Push(queuedMessage{Topic: "config/a", Retained: true})
	q.Push(queuedMessage{Topic: "state/new"})
	// Overflow drops the oldest state message.
	q.Push(queuedMessage{Topic: "config/b", Retained: true})

	q.PromoteRetained()
	want := []string{"config/a", "config/b", "state/older", "state/new"}
	if diff := cmp.Diff(want, drain(q)); diff != "" {
		t.Errorf("flush order mismatch (-want +got):\n%s", diff)
	}
}
