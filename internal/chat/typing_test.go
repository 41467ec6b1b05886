package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingEvent struct {
	userID, conversationID int64
	isTyping               bool
}

type typingRecorder struct {
	mu     sync.Mutex
	events []typingEvent
}

func (r *typingRecorder) notify(userID, conversationID int64, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, typingEvent{userID, conversationID, isTyping})
}

func (r *typingRecorder) snapshot() []typingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingEvent(nil), r.events...)
}

func TestTypingBurstExpiresOnce(t *testing.T) {
	rec := &typingRecorder{}
	ty := NewTyping(100*time.Millisecond, rec.notify)
	defer ty.Close()

	for i := 0; i < 5; i++ {
		ty.Set(1, 10, true)
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, ty.IsTyping(1, 10))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	// Nothing else fires after the single expiry.
	require.Never(t, func() bool { return len(rec.snapshot()) > 2 }, 150*time.Millisecond, 10*time.Millisecond)

	assert.Equal(t, []typingEvent{{1, 10, true}, {1, 10, false}}, rec.snapshot())
	assert.False(t, ty.IsTyping(1, 10))
}

func TestTypingExplicitStopCancelsExpiry(t *testing.T) {
	rec := &typingRecorder{}
	ty := NewTyping(40*time.Millisecond, rec.notify)
	defer ty.Close()

	ty.Set(1, 10, true)
	ty.Set(1, 10, false)
	// A stop with no flag up changes nothing.
	ty.Set(1, 10, false)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []typingEvent{{1, 10, true}, {1, 10, false}}, rec.snapshot())
}

func TestTypingPairsAreIndependent(t *testing.T) {
	rec := &typingRecorder{}
	ty := NewTyping(time.Hour, rec.notify)
	defer ty.Close()

	ty.Set(1, 10, true)
	ty.Set(1, 11, true)
	ty.Set(2, 10, true)
	ty.Set(1, 10, false)

	assert.False(t, ty.IsTyping(1, 10))
	assert.True(t, ty.IsTyping(1, 11))
	assert.True(t, ty.IsTyping(2, 10))
}

func TestTypingClearUser(t *testing.T) {
	rec := &typingRecorder{}
	ty := NewTyping(time.Hour, rec.notify)
	defer ty.Close()

	ty.Set(1, 10, true)
	ty.Set(1, 11, true)
	ty.Set(2, 10, true)

	ty.ClearUser(1)

	assert.False(t, ty.IsTyping(1, 10))
	assert.False(t, ty.IsTyping(1, 11))
	assert.True(t, ty.IsTyping(2, 10))
	assert.ElementsMatch(t, []typingEvent{
		{1, 10, true}, {1, 11, true}, {2, 10, true},
		{1, 10, false}, {1, 11, false},
	}, rec.snapshot())
}

func TestTypingCloseIsSilent(t *testing.T) {
	rec := &typingRecorder{}
	ty := NewTyping(20*time.Millisecond, rec.notify)

	ty.Set(1, 10, true)
	ty.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []typingEvent{{1, 10, true}}, rec.snapshot())
}

func TestTypingNotificationsAlternateUnderRace(t *testing.T) {
	rec := &typingRecorder{}
	ty := NewTyping(time.Millisecond, rec.notify)
	defer ty.Close()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ty.Set(1, 10, g != 0 || i%7 != 0)
				if i%3 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(g)
	}
	wg.Wait()
	ty.Set(1, 10, false)

	events := rec.snapshot()
	require.NotEmpty(t, events)
	for i, ev := range events {
		// Starts and stops strictly alternate, so the counterpart's view
		// always ends on the real state.
		assert.Equal(t, i%2 == 0, ev.isTyping, "event %d", i)
	}
	assert.False(t, events[len(events)-1].isTyping)
	assert.False(t, ty.IsTyping(1, 10))
}

func TestTypingStaleExpiryIsIgnored(t *testing.T) {
	rec := &typingRecorder{}
	ty := NewTyping(time.Hour, rec.notify)
	defer ty.Close()

	ty.Set(1, 10, true)
	ty.Set(1, 10, true)
	ty.expire(typingKey{1, 10}, 1)

	assert.True(t, ty.IsTyping(1, 10))
	assert.Equal(t, []typingEvent{{1, 10, true}}, rec.snapshot())
}
