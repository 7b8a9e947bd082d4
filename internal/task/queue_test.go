package task

import (
	"testing"
	"time"
)

func mustSubmit(t *testing.T, q *Queue, tk Task) {
	t.Helper()
	if err := q.Submit(tk); err != nil {
		t.Fatalf("Submit(%q) error: %v", tk.ID, err)
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue(nil)
	base := time.Now()
	mustSubmit(t, q, Task{ID: "low", Priority: P3, CreatedAt: base})
	mustSubmit(t, q, Task{ID: "high", Priority: P0, CreatedAt: base.Add(time.Second)})
	mustSubmit(t, q, Task{ID: "mid", Priority: P1, CreatedAt: base})

	claimed, ok := q.Claim(base)
	if !ok || claimed.Task.ID != "high" {
		t.Fatalf("Claim() = %+v, want high", claimed)
	}
	claimed, ok = q.Claim(base)
	if !ok || claimed.Task.ID != "mid" {
		t.Fatalf("Claim() = %+v, want mid", claimed)
	}
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := NewQueue(nil)
	base := time.Now()
	mustSubmit(t, q, Task{ID: "first", Priority: P1, CreatedAt: base})
	mustSubmit(t, q, Task{ID: "second", Priority: P1, CreatedAt: base.Add(time.Millisecond)})

	claimed, _ := q.Claim(base)
	if claimed.Task.ID != "first" {
		t.Fatalf("Claim() = %q, want first", claimed.Task.ID)
	}
}

func TestQueue_DependencyGating(t *testing.T) {
	q := NewQueue(nil)
	mustSubmit(t, q, Task{ID: "child", Priority: P0, Dependencies: []string{"parent"}})
	mustSubmit(t, q, Task{ID: "parent", Priority: P0})

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (child gated behind parent)", q.Len())
	}
	claimed, ok := q.Claim(time.Now())
	if !ok || claimed.Task.ID != "parent" {
		t.Fatalf("Claim() = %+v, want parent", claimed)
	}
	q.Complete("parent")
	if q.Len() != 1 {
		t.Fatalf("Len() after Complete(parent) = %d, want 1 (child promoted)", q.Len())
	}
	claimed, ok = q.Claim(time.Now())
	if !ok || claimed.Task.ID != "child" {
		t.Fatalf("Claim() = %+v, want child", claimed)
	}
}

func TestQueue_SubmitRejectsDependencyCycle(t *testing.T) {
	q := NewQueue(nil)
	mustSubmit(t, q, Task{ID: "a", Dependencies: []string{"b"}})
	mustSubmit(t, q, Task{ID: "b", Dependencies: []string{"c"}})

	err := q.Submit(Task{ID: "c", Dependencies: []string{"a"}})
	if err == nil {
		t.Fatal("Submit() with a cycle = nil error, want cycle rejected")
	}
}

func TestQueue_CancelCascadesToDependents(t *testing.T) {
	q := NewQueue(nil)
	mustSubmit(t, q, Task{ID: "parent"})
	mustSubmit(t, q, Task{ID: "child", Dependencies: []string{"parent"}})
	mustSubmit(t, q, Task{ID: "grandchild", Dependencies: []string{"child"}})

	affected := q.Cancel("parent")

	child, _ := q.Get("child")
	if child.Status != StatusCanceled {
		t.Fatalf("child status = %v, want canceled", child.Status)
	}
	grandchild, _ := q.Get("grandchild")
	if grandchild.Status != StatusCanceled {
		t.Fatalf("grandchild status = %v, want canceled", grandchild.Status)
	}

	want := map[string]bool{"child": true, "grandchild": true}
	if len(affected) != len(want) {
		t.Fatalf("Cancel() returned %v, want ids for %v", affected, want)
	}
	for _, id := range affected {
		if !want[id] {
			t.Fatalf("Cancel() returned unexpected id %q", id)
		}
	}
}

func TestQueue_CancelSparesAllowParentFailure(t *testing.T) {
	q := NewQueue(nil)
	mustSubmit(t, q, Task{ID: "parent"})
	mustSubmit(t, q, Task{ID: "child", Dependencies: []string{"parent"}, AllowParentFailure: true})

	q.Cancel("parent")

	child, _ := q.Get("child")
	if child.Status == StatusCanceled {
		t.Fatal("child with AllowParentFailure was canceled, want untouched")
	}
}

func TestQueue_SubmitDuplicateIDRejected(t *testing.T) {
	q := NewQueue(nil)
	mustSubmit(t, q, Task{ID: "dup"})
	if err := q.Submit(Task{ID: "dup"}); err == nil {
		t.Fatal("Submit() duplicate id = nil error, want rejection")
	}
}
