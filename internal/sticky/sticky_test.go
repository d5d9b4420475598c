package sticky

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yansir/acct-gateway/internal/store"
)

func TestBinder_BindThenLookup(t *testing.T) {
	b := NewBinder(store.NewMem(), time.Minute)
	ctx := context.Background()

	bound, err := b.Bind(ctx, "pool:a", "conv-1", "acct-1")
	require.NoError(t, err)
	require.Equal(t, "acct-1", bound)

	got, ok := b.Lookup(ctx, "pool:a", "conv-1")
	require.True(t, ok)
	require.Equal(t, "acct-1", got)
}

func TestBinder_FirstWriterWins(t *testing.T) {
	b := NewBinder(store.NewMem(), time.Minute)
	ctx := context.Background()

	first, err := b.Bind(ctx, "pool:a", "conv-2", "acct-1")
	require.NoError(t, err)
	require.Equal(t, "acct-1", first)

	second, err := b.Bind(ctx, "pool:a", "conv-2", "acct-2")
	require.NoError(t, err)
	require.Equal(t, "acct-1", second, "second bind should observe the existing binding, not overwrite it")
}

func TestBinder_DistinctConversationsIndependent(t *testing.T) {
	b := NewBinder(store.NewMem(), time.Minute)
	ctx := context.Background()

	_, err := b.Bind(ctx, "pool:a", "conv-x", "acct-1")
	require.NoError(t, err)
	_, err = b.Bind(ctx, "pool:a", "conv-y", "acct-2")
	require.NoError(t, err)

	x, _ := b.Lookup(ctx, "pool:a", "conv-x")
	y, _ := b.Lookup(ctx, "pool:a", "conv-y")
	require.Equal(t, "acct-1", x)
	require.Equal(t, "acct-2", y)
}

func TestBinder_ConcurrentFirstBindConverges(t *testing.T) {
	b := NewBinder(store.NewMem(), time.Minute)
	ctx := context.Background()

	const n = 50
	results := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			bound, err := b.Bind(ctx, "pool:race", "conv-race", fmt.Sprintf("acct-%d", i))
			require.NoError(t, err)
			results[i] = bound
		}()
	}
	wg.Wait()

	first := results[0]
	for _, r := range results {
		require.Equal(t, first, r, "all concurrent binders must converge on one account")
	}
}

func TestBinder_Release(t *testing.T) {
	b := NewBinder(store.NewMem(), time.Minute)
	ctx := context.Background()

	_, err := b.Bind(ctx, "pool:a", "conv-3", "acct-1")
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, "pool:a", "conv-3"))

	_, ok := b.Lookup(ctx, "pool:a", "conv-3")
	require.False(t, ok)
}
