package badger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
)

func newTestStateStore(t *testing.T) interfaces.StateStore {
	t.Helper()
	return NewStateStore(newTestDB(t), arbor.NewLogger())
}

func TestSortedSetBasics(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "zs", "a", 10))
	require.NoError(t, s.ZAdd(ctx, "zs", "b", 5))
	require.NoError(t, s.ZAdd(ctx, "zs", "c", 20))

	card, err := s.ZCard(ctx, "zs")
	require.NoError(t, err)
	assert.Equal(t, 3, card)

	score, err := s.ZScore(ctx, "zs", "a")
	require.NoError(t, err)
	assert.Equal(t, 10.0, score)

	_, err = s.ZScore(ctx, "zs", "missing")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// Re-adding replaces the score, not the member
	require.NoError(t, s.ZAdd(ctx, "zs", "a", 1))
	card, err = s.ZCard(ctx, "zs")
	require.NoError(t, err)
	assert.Equal(t, 3, card)

	score, err = s.ZScore(ctx, "zs", "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

func TestSortedSetRangeOrdering(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	// Negative scores must sort before positive ones
	require.NoError(t, s.ZAdd(ctx, "zs", "neg", -5))
	require.NoError(t, s.ZAdd(ctx, "zs", "zero", 0))
	require.NoError(t, s.ZAdd(ctx, "zs", "pos", 7))
	require.NoError(t, s.ZAdd(ctx, "zs", "big", 1e12))

	members, err := s.ZRangeByScore(ctx, "zs", -1e15, 1e15)
	require.NoError(t, err)
	require.Len(t, members, 4)
	assert.Equal(t, "neg", members[0].Member)
	assert.Equal(t, -5.0, members[0].Score)
	assert.Equal(t, "zero", members[1].Member)
	assert.Equal(t, "pos", members[2].Member)
	assert.Equal(t, "big", members[3].Member)

	// Bounded range is inclusive on both ends
	members, err = s.ZRangeByScore(ctx, "zs", 0, 7)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "zero", members[0].Member)
	assert.Equal(t, "pos", members[1].Member)
}

func TestSortedSetPopMin(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "zs", "third", 30))
	require.NoError(t, s.ZAdd(ctx, "zs", "first", 10))
	require.NoError(t, s.ZAdd(ctx, "zs", "second", 20))

	popped, err := s.ZPopMin(ctx, "zs", 2)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	assert.Equal(t, "first", popped[0].Member)
	assert.Equal(t, "second", popped[1].Member)

	card, err := s.ZCard(ctx, "zs")
	require.NoError(t, err)
	assert.Equal(t, 1, card)

	// Popping more than remain returns what exists
	popped, err = s.ZPopMin(ctx, "zs", 10)
	require.NoError(t, err)
	require.Len(t, popped, 1)
	assert.Equal(t, "third", popped[0].Member)

	popped, err = s.ZPopMin(ctx, "zs", 1)
	require.NoError(t, err)
	assert.Empty(t, popped)
}

func TestSortedSetRemove(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "zs", "a", 1))
	require.NoError(t, s.ZAdd(ctx, "zs", "b", 2))
	require.NoError(t, s.ZAdd(ctx, "zs", "c", 3))

	removed, err := s.ZRem(ctx, "zs", "a", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.ZRemRangeByScore(ctx, "zs", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	members, err := s.ZRangeByScore(ctx, "zs", 0, 100)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c", members[0].Member)
}

func TestSetOperations(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	added, err := s.SAdd(ctx, "set", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Only newly added members count
	added, err = s.SAdd(ctx, "set", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	found, err := s.SIsMember(ctx, "set", "a")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.SIsMember(ctx, "set", "z")
	require.NoError(t, err)
	assert.False(t, found)

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	card, err := s.SCard(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, 3, card)

	removed, err := s.SRem(ctx, "set", "a", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestListOperations(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.RPush(ctx, "list", "one", "two"))
	require.NoError(t, s.RPush(ctx, "list", "three"))

	length, err := s.LLen(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	all, err := s.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, all)

	head, err := s.LPop(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "one", head)

	all, err = s.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, all)

	// Drain and hit empty
	_, err = s.LPop(ctx, "list")
	require.NoError(t, err)
	_, err = s.LPop(ctx, "list")
	require.NoError(t, err)
	_, err = s.LPop(ctx, "list")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestHashOperations(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "hash", "f1", "v1"))
	require.NoError(t, s.HSet(ctx, "hash", "f2", "v2"))

	v, err := s.HGet(ctx, "hash", "f1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	_, err = s.HGet(ctx, "hash", "missing")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	all, err := s.HGetAll(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	removed, err := s.HDel(ctx, "hash", "f1", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStringSetGetNX(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key", "value", 0))
	v, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// SetNX only wins on absent keys
	stored, err := s.SetNX(ctx, "key", "other", 0)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = s.SetNX(ctx, "fresh", "first", 0)
	require.NoError(t, err)
	assert.True(t, stored)

	v, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestStringTTL(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", "v", 50*time.Millisecond))
	time.Sleep(150 * time.Millisecond)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestExpire(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Expire(ctx, "missing", time.Second), interfaces.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "key", "v", 0))
	require.NoError(t, s.Expire(ctx, "key", 50*time.Millisecond))
	time.Sleep(150 * time.Millisecond)

	_, err := s.Get(ctx, "key")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestDelAcrossNamespaces(t *testing.T) {
	s := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "mixed", "v", 0))
	require.NoError(t, s.ZAdd(ctx, "mixed", "m", 1))
	_, err := s.SAdd(ctx, "mixed", "s")
	require.NoError(t, err)
	require.NoError(t, s.RPush(ctx, "mixed", "l"))
	require.NoError(t, s.HSet(ctx, "mixed", "f", "v"))

	deleted, err := s.Del(ctx, "mixed", "absent")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Get(ctx, "mixed")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	card, err := s.ZCard(ctx, "mixed")
	require.NoError(t, err)
	assert.Zero(t, card)
	scard, err := s.SCard(ctx, "mixed")
	require.NoError(t, err)
	assert.Zero(t, scard)
	length, err := s.LLen(ctx, "mixed")
	require.NoError(t, err)
	assert.Zero(t, length)
	all, err := s.HGetAll(ctx, "mixed")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestZAddIfCardBelow(t *testing.T) {
	store := newTestStateStore(t)
	ctx := context.Background()

	// Fills up to the limit, then refuses
	added, err := store.ZAddIfCardBelow(ctx, "slots", "a", 100, 0, 2)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.ZAddIfCardBelow(ctx, "slots", "b", 100, 0, 2)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.ZAddIfCardBelow(ctx, "slots", "c", 100, 0, 2)
	require.NoError(t, err)
	assert.False(t, added)

	card, err := store.ZCard(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, 2, card)
}

func TestZAddIfCardBelowSweepsStale(t *testing.T) {
	store := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "slots", "stale", 10))
	require.NoError(t, store.ZAdd(ctx, "slots", "live", 100))

	// The stale entry is removed in the same transaction, freeing its slot
	added, err := store.ZAddIfCardBelow(ctx, "slots", "new", 100, 50, 2)
	require.NoError(t, err)
	assert.True(t, added)

	_, err = store.ZScore(ctx, "slots", "stale")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	card, err := store.ZCard(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, 2, card)
}

func TestZAddIfCardBelowRescoresExistingMember(t *testing.T) {
	store := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "slots", "a", 100))
	require.NoError(t, store.ZAdd(ctx, "slots", "b", 100))

	// A present member keeps its slot even at the limit
	added, err := store.ZAddIfCardBelow(ctx, "slots", "a", 200, 0, 2)
	require.NoError(t, err)
	assert.True(t, added)

	score, err := store.ZScore(ctx, "slots", "a")
	require.NoError(t, err)
	assert.Equal(t, float64(200), score)
	card, err := store.ZCard(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, 2, card)
}

func TestZAddIfCardBelowConcurrent(t *testing.T) {
	store := newTestStateStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := atomic.Int64{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			added, err := store.ZAddIfCardBelow(ctx, "slots", fmt.Sprintf("m-%02d", n), 100, 0, 3)
			assert.NoError(t, err)
			if added {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(3), wins.Load())
	card, err := store.ZCard(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, 3, card)
}
