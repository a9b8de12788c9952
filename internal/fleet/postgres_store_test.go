package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchplatform/perch/internal/testutil"
)

func TestPostgresAllocatePortConcurrent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	const poolSize = 5
	ports := make([]int, poolSize)
	for i := range ports {
		ports[i] = 9100 + i
	}
	require.NoError(t, store.SeedPorts(ctx, ports))

	var wg sync.WaitGroup
	got := make([]int, poolSize+1)
	errs := make([]error, poolSize+1)
	for i := 0; i <= poolSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = store.AllocatePort(ctx, fmt.Sprintf("ten_pg_%d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	exhausted := 0
	for i := range got {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrPortsExhausted)
			exhausted++
			continue
		}
		assert.False(t, seen[got[i]], "port %d assigned twice", got[i])
		seen[got[i]] = true
	}
	assert.Equal(t, 1, exhausted)
	assert.Len(t, seen, poolSize)
}

func TestPostgresReleaseAndReuse(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.SeedPorts(ctx, []int{9200}))

	p, err := store.AllocatePort(ctx, "ten_pg_rel")
	require.NoError(t, err)
	assert.Equal(t, 9200, p)

	require.NoError(t, store.ReleasePort(ctx, "ten_pg_rel"))
	require.NoError(t, store.ReleasePort(ctx, "ten_pg_rel"))

	p2, err := store.AllocatePort(ctx, "ten_pg_other")
	require.NoError(t, err)
	assert.Equal(t, 9200, p2)
}

func TestPostgresServerRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	addServer(t, store, "srv_pg_a", true)

	srv, err := store.GetServer(ctx, "srv_pg_a")
	require.NoError(t, err)
	assert.Equal(t, "srv_pg_a.fleet.internal", srv.Address)
	assert.True(t, srv.IsActive)

	srv.IsActive = false
	require.NoError(t, store.UpdateServer(ctx, srv))

	active, err := store.ListServers(ctx, true)
	require.NoError(t, err)
	for _, s := range active {
		assert.NotEqual(t, "srv_pg_a", s.ID)
	}
}
