package eventbuf

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detection-engine/internal/model"
)

func result(id string, c model.Category) model.DetectionResult {
	return model.DetectionResult{
		ID:        id,
		Symbol:    "AAPL",
		Detector:  "doji",
		Category:  c,
		Timeframe: model.TF1m,
		Timestamp: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func ids(rs []model.DetectionResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestBuffer_SwapPreservesOrder(t *testing.T) {
	b := NewBuffer(0)
	for i := 0; i < 5; i++ {
		b.Enqueue(result(fmt.Sprint(i), model.CategoryPattern))
	}
	batch := b.Swap()
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, ids(batch))
	assert.Equal(t, 0, b.Len())

	b.Enqueue(result("5", model.CategoryPattern))
	b.Recycle(batch)
	assert.Equal(t, []string{"5"}, ids(b.Swap()))
}

func TestBuffer_EmptySwap(t *testing.T) {
	b := NewBuffer(0)
	assert.Empty(t, b.Swap())
	assert.Empty(t, b.Swap())
}

func TestBuffer_OverflowDropsOldest(t *testing.T) {
	b := NewBuffer(3)
	var dropped []string
	b.OnOverflow = func(r model.DetectionResult) { dropped = append(dropped, r.ID) }

	for i := 0; i < 5; i++ {
		b.Enqueue(result(fmt.Sprint(i), model.CategoryPattern))
	}
	assert.Equal(t, []string{"0", "1"}, dropped)
	assert.Equal(t, []string{"2", "3", "4"}, ids(b.Swap()))
}

func TestBuffer_ConcurrentProducers(t *testing.T) {
	b := NewBuffer(0)
	var wg sync.WaitGroup
	var total int
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			batch := b.Swap()
			mu.Lock()
			total += len(batch)
			n := total
			mu.Unlock()
			b.Recycle(batch)
			if n == 800 {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Enqueue(result(fmt.Sprintf("%d-%d", p, i), model.CategoryPattern))
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not see every result")
	}
	require.Equal(t, 800, total)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 40*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(10))
}
