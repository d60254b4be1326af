package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConcurrentNamesRunInParallel(t *testing.T) {
	p := NewPool(4)
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	wg.Add(3)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		p.Spawn(name, func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			seen[name] = true
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	p.Shutdown()
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
	assert.True(t, seen["c"])
}

func TestSameNameSerialised(t *testing.T) {
	p := NewPool(4)
	var mu sync.Mutex
	inFlight := false
	order := []string{}
	for i := 0; i < 10; i++ {
		s := fmt.Sprintf("item-%02d", i)
		p.Spawn("shared-key", func(ctx context.Context) {
			mu.Lock()
			if inFlight {
				panic("concurrent run on shared-key")
			}
			inFlight = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight = false
			order = append(order, s)
			mu.Unlock()
		})
	}
	p.Shutdown()
	assert.Len(t, order, 10)
	sorted := append([]string{}, order...)
	sort.Strings(sorted)
	assert.ElementsMatch(t, sorted, order)
}

func TestShutdownWaitsForCompletion(t *testing.T) {
	p := NewPool(2)
	done := false
	p.Spawn("task", func(ctx context.Context) {
		time.Sleep(5 * time.Millisecond)
		done = true
	})
	p.Shutdown()
	assert.True(t, done)
}

func TestPanicIsRecovered(t *testing.T) {
	p := NewPool(1)
	p.Spawn("panics", func(ctx context.Context) {
		panic("boom")
	})
	p.Spawn("after", func(ctx context.Context) {})
	p.Shutdown() // Must not hang or crash the test binary.
}
