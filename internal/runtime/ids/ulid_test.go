package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := range ids {
		ids[i] = NewMessageID()
	}

	for i := range ids {
		require.Len(t, ids[i], 26)
		_, err := ulid.Parse(ids[i])
		require.NoError(t, err)
	}

	for i := 1; i < total; i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestNewMessageIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := NewMessageID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate message id generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := NewMessageIDAt(at)

	got, err := Timestamp(id)
	require.NoError(t, err)
	assert.True(t, at.Equal(got.UTC()))

	_, err = Timestamp("not-a-ulid")
	assert.Error(t, err)
}
