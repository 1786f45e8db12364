package socklet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/mna/socklet/internal/socklettest"
	"github.com/stretchr/testify/assert"
)

func TestRouterEmit(t *testing.T) {
	t.Parallel()

	dbgl := &socklettest.DebugLog{T: t}
	r := &Router{LogFunc: dbgl.Printf}

	var got []string
	r.RegisterFunc("a", func(ctx context.Context, c *Conn, data string) {
		got = append(got, "a:"+data)
	})
	r.Register("b", EventHandlerFunc(func(ctx context.Context, c *Conn, data string) {
		got = append(got, "b:"+data)
	}))

	assert.True(t, r.Emit(context.Background(), "a", nil, "1"), "emit a")
	assert.True(t, r.Emit(context.Background(), "b", nil, "2"), "emit b")
	assert.False(t, r.Emit(context.Background(), "A", nil, "3"), "names are case-sensitive")
	assert.False(t, r.Emit(context.Background(), "c", nil, "4"), "emit unknown")

	assert.Equal(t, []string{"a:1", "b:2"}, got, "handlers called")
	assert.Equal(t, 2, dbgl.Calls(), "misses are logged")
}

func TestRouterReplace(t *testing.T) {
	t.Parallel()

	var r Router
	var got string
	r.RegisterFunc("a", func(ctx context.Context, c *Conn, data string) { got = "first" })
	r.RegisterFunc("a", func(ctx context.Context, c *Conn, data string) { got = "second" })

	assert.True(t, r.Emit(context.Background(), "a", nil, ""))
	assert.Equal(t, "second", got, "last registration wins")
}

func TestRouterConcurrent(t *testing.T) {
	t.Parallel()

	r := &Router{LogFunc: DiscardLog}
	var mu sync.Mutex
	calls := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("ev%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.RegisterFunc(name, func(ctx context.Context, c *Conn, data string) {
				mu.Lock()
				calls[data]++
				mu.Unlock()
			})
		}()
		go func() {
			defer wg.Done()
			r.Emit(context.Background(), name, nil, name)
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("ev%d", i)
		assert.True(t, r.Emit(context.Background(), name, nil, name), name)
		mu.Lock()
		assert.True(t, calls[name] >= 1, name)
		mu.Unlock()
	}
}
