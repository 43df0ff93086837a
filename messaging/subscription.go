package messaging

import (
	"sync"
	"time"
)

// Subscription is the handle returned by Container.Register. It tracks the
// lifecycle of the cursor task serving its request.
//
// A Subscription never shares a task with another Subscription, and a
// cancelled task is never reused: restarting the container swaps a fresh
// task into the same handle.
type Subscription struct {
	id      string
	request *SubscriptionRequest

	mu   sync.Mutex
	task *cursorTask
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Active reports whether the subscription's task is currently running.
func (s *Subscription) Active() bool {
	t := s.currentTask()
	return t != nil && t.State() == TaskRunning
}

// Await blocks until the subscription becomes active or the timeout
// elapses, and returns the final observed status. A timeout does not cancel
// the subscription.
func (s *Subscription) Await(timeout time.Duration) bool {
	t := s.currentTask()
	if t == nil {
		return false
	}
	return t.awaitStart(timeout)
}

// Cancel stops the subscription's task. The subscription stays registered;
// the container's next Start serves it with a fresh task.
func (s *Subscription) Cancel() {
	if t := s.currentTask(); t != nil {
		t.Cancel()
	}
}

func (s *Subscription) currentTask() *cursorTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *Subscription) setTask(t *cursorTask) {
	s.mu.Lock()
	s.task = t
	s.mu.Unlock()
}
