package task

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

const defaultLeaseDuration = 30 * time.Second

// ClaimResult is what Claim hands the caller: the claimed task plus the
// lease token the caller must present to StartRun, Heartbeat, and the
// failure/completion paths.
type ClaimResult struct {
	Task       Task
	LeaseOwner string
}

// Claim pops the highest-priority ready task and assigns it a fresh lease.
func (q *Queue) Claim(now time.Time) (ClaimResult, bool) {
	return q.claim(now, defaultLeaseDuration)
}

func (q *Queue) claim(now time.Time, leaseDuration time.Duration) (ClaimResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return ClaimResult{}, false
	}
	t := heap.Pop(&q.heap).(*Task)
	t.Status = StatusAssigned
	t.LeaseOwner = uuid.NewString()
	t.LeaseUntil = now.Add(leaseDuration)
	return ClaimResult{Task: *t, LeaseOwner: t.LeaseOwner}, true
}

// StartRun transitions a claimed task to running, extending its lease, if
// leaseOwner still matches the task's current lease holder.
func (q *Queue) StartRun(taskID, leaseOwner string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.Status != StatusAssigned || t.LeaseOwner != leaseOwner {
		return false
	}
	t.Status = StatusRunning
	t.LeaseUntil = now.Add(defaultLeaseDuration)
	return true
}

// Heartbeat extends a running or assigned task's lease, returning false if
// leaseOwner no longer matches (the lease was reclaimed out from under the
// caller).
func (q *Queue) Heartbeat(taskID, leaseOwner string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.LeaseOwner != leaseOwner {
		return false
	}
	switch t.Status {
	case StatusAssigned, StatusRunning:
	default:
		return false
	}
	t.LeaseUntil = now.Add(defaultLeaseDuration)
	return true
}

// RequeueExpiredLeases moves every assigned or running task whose lease has
// elapsed back into the ready heap, clearing its lease. Returns the ids
// reclaimed so callers can log or count them.
func (q *Queue) RequeueExpiredLeases(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reclaimed []string
	for id, t := range q.tasks {
		switch t.Status {
		case StatusAssigned, StatusRunning:
		default:
			continue
		}
		if t.LeaseUntil.IsZero() || t.LeaseUntil.After(now) {
			continue
		}
		t.LeaseOwner = ""
		t.LeaseUntil = time.Time{}
		t.Status = StatusReady
		heap.Push(&q.heap, t)
		reclaimed = append(reclaimed, id)
	}
	return reclaimed
}
