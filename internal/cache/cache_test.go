package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelvault/internal/query"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemory()
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", time.Minute))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestMemoryCache_MissReturnsErrCacheMiss(t *testing.T) {
	c := NewMemory()
	defer c.Stop()

	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_ExpiredEntryMisses(t *testing.T) {
	c := NewMemory()
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", time.Nanosecond))
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemory()
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", 0))
	require.NoError(t, c.Set(ctx, "k2", "v2", 0))
	require.NoError(t, c.Delete(ctx, "k1", "k2"))

	_, err := c.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_KeysMatching(t *testing.T) {
	c := NewMemory()
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "catalog:list:t1:aaa", "x", 0))
	require.NoError(t, c.Set(ctx, "catalog:list:t1:bbb", "x", 0))
	require.NoError(t, c.Set(ctx, "catalog:list:t2:ccc", "x", 0))

	keys, err := c.KeysMatching(ctx, "catalog:list:t1:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, c.Delete(ctx, keys...))

	// Other tenant untouched.
	got, err := c.Get(ctx, "catalog:list:t2:ccc")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestListKey_Deterministic(t *testing.T) {
	f := query.ListFilter{TenantID: "t1", Search: "gear", Tags: []string{"a", "b"}, Limit: 20}

	k1 := ListKey(f)
	k2 := ListKey(f)

	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "catalog:list:t1:")
}

func TestListKey_VariesWithFilter(t *testing.T) {
	f1 := query.ListFilter{TenantID: "t1", Search: "gear"}
	f2 := query.ListFilter{TenantID: "t1", Search: "bracket"}

	assert.NotEqual(t, ListKey(f1), ListKey(f2))
}

func TestKeyShapes(t *testing.T) {
	assert.Equal(t, "catalog:model:t1:m1", ModelKey("t1", "m1"))
	assert.Equal(t, "catalog:list:t1:*", ListPrefix("t1"))
	assert.Equal(t, "catalog:url:t1/m1/v1/part.stl", URLKey("t1/m1/v1/part.stl"))
}
