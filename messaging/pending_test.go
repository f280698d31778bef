package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	noExpire := func(string) {}

	t.Run("register then take", func(t *testing.T) {
		table := newPendingTable(clock.NewMock())

		entry, err := table.register("a", time.Second, noExpire)
		require.NoError(t, err)
		assert.Equal(t, 1, table.len())

		taken, ok := table.take("a")
		require.True(t, ok)
		assert.Same(t, entry, taken)
		assert.Equal(t, 0, table.len())

		_, ok = table.take("a")
		assert.False(t, ok, "second take is a no-op")
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		table := newPendingTable(clock.NewMock())

		_, err := table.register("a", time.Second, noExpire)
		require.NoError(t, err)
		_, err = table.register("a", time.Second, noExpire)
		assert.ErrorIs(t, err, errDuplicateRequest)
		assert.Equal(t, 1, table.len())
	})

	t.Run("rejects invalid registrations", func(t *testing.T) {
		table := newPendingTable(clock.NewMock())

		_, err := table.register("", time.Second, noExpire)
		assert.Error(t, err)
		_, err = table.register("a", 0, noExpire)
		assert.Error(t, err)
	})

	t.Run("timer fires after the timeout and not before", func(t *testing.T) {
		mock := clock.NewMock()
		table := newPendingTable(mock)
		expired := make(chan string, 1)

		_, err := table.register("a", 100*time.Millisecond, func(id string) { expired <- id })
		require.NoError(t, err)

		mock.Add(99 * time.Millisecond)
		select {
		case id := <-expired:
			t.Fatalf("expired early: %s", id)
		case <-time.After(20 * time.Millisecond):
		}

		mock.Add(time.Millisecond)
		select {
		case id := <-expired:
			assert.Equal(t, "a", id)
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	})

	t.Run("take stops the timer", func(t *testing.T) {
		mock := clock.NewMock()
		table := newPendingTable(mock)
		var fired atomic.Int32

		_, err := table.register("a", 100*time.Millisecond, func(string) { fired.Add(1) })
		require.NoError(t, err)
		_, ok := table.take("a")
		require.True(t, ok)

		mock.Add(time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})

	t.Run("drain empties and closes the table", func(t *testing.T) {
		table := newPendingTable(clock.NewMock())
		for i := 0; i < 5; i++ {
			_, err := table.register(fmt.Sprint(i), time.Second, noExpire)
			require.NoError(t, err)
		}

		drained := table.drain()
		assert.Len(t, drained, 5)
		assert.Equal(t, 0, table.len())

		_, err := table.register("late", time.Second, noExpire)
		assert.ErrorIs(t, err, errTableClosed)
	})

	t.Run("timer and response racing settle exactly once", func(t *testing.T) {
		table := newPendingTable(clock.New())
		const n = 500

		var wins atomic.Int32
		onExpire := func(id string) {
			if entry, ok := table.take(id); ok {
				wins.Add(1)
				entry.settle(settlement{outcome: OutcomeTimeout})
			}
		}

		entries := make([]*pendingRequest, n)
		for i := 0; i < n; i++ {
			entry, err := table.register(fmt.Sprint(i), time.Millisecond, onExpire)
			require.NoError(t, err)
			entries[i] = entry
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				time.Sleep(time.Millisecond)
				if entry, ok := table.take(id); ok {
					wins.Add(1)
					entry.settle(settlement{outcome: OutcomeSuccess})
				}
			}(fmt.Sprint(i))
		}
		wg.Wait()

		assert.Eventually(t, func() bool { return wins.Load() == n }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(n), wins.Load())
		assert.Equal(t, 0, table.len())
		for _, entry := range entries {
			assert.Len(t, entry.result, 1, "entry %s", entry.id)
		}
	})
}
