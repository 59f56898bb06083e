package cache

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShardedSetGetDelete(t *testing.T) {
	c := NewSharded[int64]()
	c.Set("005930", 71000)

	v, ok := c.Get("005930")
	assert.True(t, ok)
	assert.Equal(t, int64(71000), v)

	c.Delete("005930")
	c.Delete("005930")
	_, ok = c.Get("005930")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestShardedDeleteIf(t *testing.T) {
	c := NewSharded[string]()
	c.Set("a", "v1")

	assert.False(t, c.DeleteIf("a", func(v string) bool { return v == "v0" }))
	assert.True(t, c.DeleteIf("a", func(v string) bool { return v == "v1" }))
	assert.False(t, c.DeleteIf("a", func(string) bool { return true }))
}

func TestShardedConcurrentWriters(t *testing.T) {
	c := NewSharded[int]()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(fmt.Sprintf("k%d", i), j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 64, c.Len())
	stats := c.Stats()
	assert.Equal(t, 64, stats.TotalItems)

	keys := c.Keys()
	sort.Strings(keys)
	assert.Len(t, keys, 64)
}

func TestShardedCleanup(t *testing.T) {
	c := NewSharded[int]()
	c.Set("old", 1)
	time.Sleep(20 * time.Millisecond)
	c.Set("new", 2)

	assert.Equal(t, 1, c.Cleanup(10*time.Millisecond))
	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestShardIndexStable(t *testing.T) {
	assert.Equal(t, ShardIndex("005930", 8), ShardIndex("005930", 8))
	for _, k := range []string{"a", "b", "005930", "000660"} {
		i := ShardIndex(k, 8)
		assert.True(t, i >= 0 && i < 8)
	}
}
