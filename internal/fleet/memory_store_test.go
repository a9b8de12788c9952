package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPool(t *testing.T, store Store, n int) {
	t.Helper()
	ports := make([]int, n)
	for i := range ports {
		ports[i] = 9000 + i
	}
	require.NoError(t, store.SeedPorts(context.Background(), ports))
}

func TestAllocatePortExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedPool(t, store, 3)

	p1, err := store.AllocatePort(ctx, "ten_a")
	require.NoError(t, err)
	p2, err := store.AllocatePort(ctx, "ten_b")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	// Lowest free port first.
	assert.Equal(t, 9000, p1)
	assert.Equal(t, 9001, p2)
}

func TestAllocatePortIdempotentPerTenant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedPool(t, store, 3)

	p1, err := store.AllocatePort(ctx, "ten_a")
	require.NoError(t, err)
	p2, err := store.AllocatePort(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	used, err := store.PortsInUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestAllocatePortConcurrentNeverDoubleAssigns(t *testing.T) {
	const poolSize = 8
	ctx := context.Background()
	store := NewMemoryStore()
	seedPool(t, store, poolSize)

	// poolSize+1 concurrent tenants: exactly one must see exhaustion and no
	// port may be handed out twice.
	var wg sync.WaitGroup
	results := make([]int, poolSize+1)
	errs := make([]error, poolSize+1)
	for i := 0; i <= poolSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.AllocatePort(ctx, fmt.Sprintf("ten_%d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	exhausted := 0
	for i := 0; i <= poolSize; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrPortsExhausted)
			exhausted++
			continue
		}
		assert.False(t, seen[results[i]], "port %d assigned twice", results[i])
		seen[results[i]] = true
	}
	assert.Equal(t, 1, exhausted)
	assert.Len(t, seen, poolSize)
}

func TestReleasePortIdempotentAndReusable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedPool(t, store, 1)

	p, err := store.AllocatePort(ctx, "ten_a")
	require.NoError(t, err)

	require.NoError(t, store.ReleasePort(ctx, "ten_a"))
	require.NoError(t, store.ReleasePort(ctx, "ten_a")) // second release is a no-op

	// Freed slot is reusable by another tenant.
	p2, err := store.AllocatePort(ctx, "ten_b")
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

func TestReleasePortUnknownTenant(t *testing.T) {
	store := NewMemoryStore()
	seedPool(t, store, 1)
	assert.NoError(t, store.ReleasePort(context.Background(), "ten_never_seen"))
}

func TestSeedPortsKeepsExistingBindings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedPool(t, store, 2)

	p, err := store.AllocatePort(ctx, "ten_a")
	require.NoError(t, err)

	seedPool(t, store, 2) // re-seed the same range

	got, err := store.PortFor(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
