package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// channelClosed reports whether the broadcast channel has been closed
func channelClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNotifier_NotifyWakesWaiters(t *testing.T) {
	n := NewNotifier()

	ch := n.Wait("task-1")
	assert.False(t, channelClosed(ch))

	n.Notify("task-1")
	assert.True(t, channelClosed(ch))
}

func TestNotifier_FreshChannelAfterNotify(t *testing.T) {
	n := NewNotifier()

	first := n.Wait("task-1")
	n.Notify("task-1")

	// Waiters arriving after the notification get a new open channel
	second := n.Wait("task-1")
	assert.True(t, channelClosed(first))
	assert.False(t, channelClosed(second))

	n.Notify("task-1")
	assert.True(t, channelClosed(second))
}

func TestNotifier_AllWaitersShareOneChannel(t *testing.T) {
	n := NewNotifier()

	a := n.Wait("task-1")
	b := n.Wait("task-1")

	n.Notify("task-1")
	assert.True(t, channelClosed(a))
	assert.True(t, channelClosed(b))
}

func TestNotifier_TasksAreIndependent(t *testing.T) {
	n := NewNotifier()

	one := n.Wait("task-1")
	two := n.Wait("task-2")

	n.Notify("task-1")
	assert.True(t, channelClosed(one))
	assert.False(t, channelClosed(two))
}

func TestNotifier_NotifyAllWakesEveryTask(t *testing.T) {
	n := NewNotifier()

	one := n.Wait("task-1")
	two := n.Wait("task-2")

	n.NotifyAll()
	assert.True(t, channelClosed(one))
	assert.True(t, channelClosed(two))

	// Channels are reinstalled, so later waiters block again
	assert.False(t, channelClosed(n.Wait("task-1")))
}

func TestNotifier_NotifyWithoutWaiters(t *testing.T) {
	n := NewNotifier()

	// No waiter yet; the notification just installs a channel
	n.Notify("task-1")

	ch := n.Wait("task-1")
	assert.False(t, channelClosed(ch))
}

func TestNotifier_ForgetDropsChannel(t *testing.T) {
	n := NewNotifier()

	orphan := n.Wait("task-1")
	n.Forget("task-1")

	// Notifications after eviction no longer reach the orphaned channel
	n.Notify("task-1")
	assert.False(t, channelClosed(orphan))
}
