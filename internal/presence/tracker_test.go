package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectCountsDistinctUsers(t *testing.T) {
	tracker := NewTracker(time.Second)

	require.Equal(t, 1, tracker.Connect("u1"))
	require.Equal(t, 2, tracker.Connect("u2"))
	require.Equal(t, 2, tracker.Connect("u1"))
	assert.Equal(t, 2, tracker.Connections("u1"))
	assert.Equal(t, 2, tracker.Online())
}

func TestDisconnectWithRemainingConnections(t *testing.T) {
	tracker := NewTracker(time.Second)
	tracker.Connect("u1")
	tracker.Connect("u1")

	online, broadcastNow := tracker.Disconnect("u1", nil)

	// Closing one of several connections changes nothing globally.
	require.True(t, broadcastNow)
	assert.Equal(t, 1, online)
	assert.Equal(t, 1, tracker.Connections("u1"))
	assert.False(t, tracker.PendingOffline("u1"))
}

func TestLastDisconnectStartsGraceTimer(t *testing.T) {
	tracker := NewTracker(30 * time.Millisecond)
	tracker.Connect("u1")
	tracker.Connect("u2")

	fired := make(chan int, 1)
	online, broadcastNow := tracker.Disconnect("u1", func(n int) { fired <- n })

	require.False(t, broadcastNow)
	assert.Equal(t, 2, online)
	assert.True(t, tracker.PendingOffline("u1"))
	// Still online during the grace window.
	assert.Equal(t, 2, tracker.Online())

	select {
	case n := <-fired:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("offline callback never fired")
	}
	assert.Equal(t, 1, tracker.Online())
	assert.Equal(t, 0, tracker.Connections("u1"))
	assert.False(t, tracker.PendingOffline("u1"))
}

func TestReconnectWithinGraceCancelsTimer(t *testing.T) {
	tracker := NewTracker(50 * time.Millisecond)
	tracker.Connect("u1")

	fired := make(chan int, 1)
	_, broadcastNow := tracker.Disconnect("u1", func(n int) { fired <- n })
	require.False(t, broadcastNow)

	require.Equal(t, 1, tracker.Connect("u1"))
	assert.False(t, tracker.PendingOffline("u1"))
	assert.Equal(t, 1, tracker.Connections("u1"))

	select {
	case <-fired:
		t.Fatal("cancelled timer still fired")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, 1, tracker.Online())
}

func TestDisconnectReplacesPendingTimer(t *testing.T) {
	tracker := NewTracker(40 * time.Millisecond)
	tracker.Connect("u1")

	fired := make(chan int, 2)
	tracker.Disconnect("u1", func(n int) { fired <- n })
	tracker.Disconnect("u1", func(n int) { fired <- n })

	select {
	case n := <-fired:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("offline callback never fired")
	}

	// The replaced timer must not fire a second time.
	select {
	case <-fired:
		t.Fatal("stale timer fired after replacement")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectUnknownUserIsNoop(t *testing.T) {
	tracker := NewTracker(time.Second)

	online, broadcastNow := tracker.Disconnect("ghost", nil)

	assert.False(t, broadcastNow)
	assert.Equal(t, 0, online)
	assert.False(t, tracker.PendingOffline("ghost"))
}
