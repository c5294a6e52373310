package scheduler

import (
	"testing"

	"gpuschedd/pkg/types"
)

func queuedTask(id string, priority int) *types.Task {
	return &types.Task{ID: id, Priority: priority, Status: types.TaskPending}
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := newTaskQueue()
	q.push(queuedTask("a", 1))
	q.push(queuedTask("b", 5))
	q.push(queuedTask("c", 5))

	want := []string{"b", "c", "a"}
	for _, id := range want {
		head := q.peek()
		if head == nil || head.task.ID != id {
			t.Fatalf("expected head %s, got %+v", id, head)
		}
		if q.remove(id) == nil {
			t.Fatalf("remove(%s) failed", id)
		}
	}
	if q.len() != 0 {
		t.Fatalf("queue not empty: %d", q.len())
	}
}

func TestQueueReinsertKeepsSubmissionOrder(t *testing.T) {
	q := newTaskQueue()
	q.push(queuedTask("a", 2))
	q.push(queuedTask("b", 2))

	head := q.remove("a")
	if head == nil {
		t.Fatalf("remove failed")
	}
	// A requeued task resumes its original position among equals, even
	// after later submissions at the same priority.
	q.push(queuedTask("c", 2))
	q.reinsert(head)

	want := []string{"a", "b", "c"}
	got := q.ordered()
	if len(got) != len(want) {
		t.Fatalf("len=%d", len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, got[i].ID, id)
		}
	}
}

func TestQueueRemoveByID(t *testing.T) {
	q := newTaskQueue()
	q.push(queuedTask("a", 0))
	q.push(queuedTask("b", 3))
	q.push(queuedTask("c", 1))

	if q.remove("missing") != nil {
		t.Fatalf("expected nil for unknown id")
	}
	if item := q.remove("c"); item == nil || item.task.ID != "c" {
		t.Fatalf("remove(c) failed")
	}
	if q.get("c") != nil {
		t.Fatalf("c still indexed after removal")
	}
	if head := q.peek(); head == nil || head.task.ID != "b" {
		t.Fatalf("heap order broken after removal")
	}
	if q.len() != 2 {
		t.Fatalf("len=%d", q.len())
	}
}
