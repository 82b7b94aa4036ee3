package presence

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()

	id := r.Create(1)
	assert.True(t, strings.HasPrefix(id, "sub_"))
	u, ok := r.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), u)

	owner, ok := r.Remove(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), owner)
	_, ok = r.Resolve(id)
	assert.False(t, ok)
	assert.NotContains(t, r.SubscriptionsOf(1), id)
	assert.Zero(t, r.Len())

	_, ok = r.Remove(id)
	assert.False(t, ok)
}

func TestRegistryMultiDevice(t *testing.T) {
	r := NewRegistry()

	first := r.Create(1)
	second := r.Create(1)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{first, second}, r.SubscriptionsOf(1))

	got, created := r.GetOrCreate(1)
	assert.Equal(t, first, got)
	assert.False(t, created)

	fresh, created := r.GetOrCreate(2)
	assert.True(t, created)
	again, created := r.GetOrCreate(2)
	assert.Equal(t, fresh, again)
	assert.False(t, created)

	removed := r.RemoveAll(1)
	assert.ElementsMatch(t, []string{first, second}, removed)
	assert.Empty(t, r.SubscriptionsOf(1))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryHydrateIsIdempotent(t *testing.T) {
	r := NewRegistry()

	r.Hydrate(5, "sub_x")
	r.Hydrate(5, "sub_x")
	assert.Equal(t, []string{"sub_x"}, r.SubscriptionsOf(5))

	// 句柄换主时从旧用户的反向索引中摘除
	r.Hydrate(6, "sub_x")
	assert.Empty(t, r.SubscriptionsOf(5))
	u, ok := r.Resolve("sub_x")
	require.True(t, ok)
	assert.Equal(t, uint64(6), u)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySubscriptionsOfReturnsCopy(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)
	subs := r.SubscriptionsOf(1)
	subs[0] = "mutated"
	assert.Equal(t, []string{id}, r.SubscriptionsOf(1))
}

func TestRegistryConcurrentIndexesStayConsistent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(user uint64) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := r.Create(user)
				if got, ok := r.Resolve(id); !ok || got != user {
					t.Errorf("resolve %s = %d,%v", id, got, ok)
					return
				}
				if i%2 == 0 {
					r.Remove(id)
				}
			}
		}(uint64(w))
	}
	wg.Wait()

	total := 0
	for u := uint64(0); u < 8; u++ {
		subs := r.SubscriptionsOf(u)
		total += len(subs)
		for _, id := range subs {
			owner, ok := r.Resolve(id)
			require.True(t, ok)
			assert.Equal(t, u, owner)
		}
	}
	assert.Equal(t, 8*250, total)
	assert.Equal(t, total, r.Len())
}
