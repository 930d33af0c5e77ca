// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frontier_test

import (
	"testing"

	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/frontier"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	q := frontier.New()
	q.Enqueue(debugger.Address(0x3000), "c")
	q.Enqueue(debugger.Address(0x1000), "a")
	q.Enqueue(debugger.Address(0x2000), "b")

	var order []string
	for !q.Empty() {
		tasks, ok := q.Dequeue()
		if !ok {
			t.Fatal("Dequeue() ok = false while not Empty")
		}
		for _, tk := range tasks {
			order = append(order, tk.(string))
		}
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("dequeued %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEnqueueSameAddressAccumulates(t *testing.T) {
	q := frontier.New()
	q.Enqueue(debugger.Address(0x1000), "first")
	q.Enqueue(debugger.Address(0x1000), "second")
	if got, want := q.Len(), 1; got != want {
		t.Fatalf("Len() = %d, want %d (one bucket)", got, want)
	}
	tasks, ok := q.Dequeue()
	if !ok {
		t.Fatal("Dequeue() ok = false")
	}
	if len(tasks) != 2 || tasks[0] != "first" || tasks[1] != "second" {
		t.Errorf("tasks = %v, want [first second] in arrival order", tasks)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := frontier.New()
	if !q.Empty() {
		t.Error("Empty() = false on new Queue")
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue() ok = true on empty queue")
	}
}
