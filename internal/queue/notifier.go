package queue

import "sync"

// Notifier wakes long-poll waiters when anything observable about a task
// changes. Each task carries one broadcast channel; Notify closes the current
// channel and installs a fresh one, so every in-flight Wait returns at once
// while later waiters pick up the new channel.
type Notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

// NewNotifier creates a change notifier
func NewNotifier() *Notifier {
	return &Notifier{
		chans: make(map[string]chan struct{}),
	}
}

// Notify signals every goroutine currently waiting on the task
func (n *Notifier) Notify(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.chans[taskID]; ok {
		close(ch)
	}
	n.chans[taskID] = make(chan struct{})
}

// NotifyAll signals the waiters of every task with a live channel. Used for
// changes that are not scoped to one task, such as domain rule edits.
func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for taskID, ch := range n.chans {
		close(ch)
		n.chans[taskID] = make(chan struct{})
	}
}

// Wait returns a channel that is closed on the next change to the task
func (n *Notifier) Wait(taskID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.chans[taskID]
	if !ok {
		ch = make(chan struct{})
		n.chans[taskID] = ch
	}
	return ch
}

// Forget drops the broadcast channel for a task. Called when an idle task is
// evicted so the map does not accumulate channels for finished work.
func (n *Notifier) Forget(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.chans, taskID)
}
