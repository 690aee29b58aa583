package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/voxqueue/pkg/content"
)

func TestNeedsCacheUpdateTransitions(t *testing.T) {
	c := NewCoordinator()
	k := content.KindWord

	require.True(t, c.NeedsCacheUpdate(k, false), "unset cache is stale")
	require.True(t, c.NeedsCacheUpdate(k, true), "unset cache is stale even when ignoring changes")

	c.SetCache(k, Snapshot{})
	c.ResetUpdateConditions(k)
	require.False(t, c.NeedsCacheUpdate(k, false))

	c.RecordOperation(OpUpdate, k)
	c.RecordOperation(OpQuery, k)
	assert.False(t, c.NeedsCacheUpdate(k, false), "update and query keep the cache current")

	c.RecordOperation(OpInsert, k)
	assert.True(t, c.NeedsCacheUpdate(k, false))
	assert.False(t, c.NeedsCacheUpdate(k, true))

	c.ResetUpdateConditions(k)
	c.RecordOperation(OpDelete, k)
	assert.True(t, c.NeedsCacheUpdate(k, false))

	assert.True(t, c.NeedsCacheUpdate(content.KindSentence, false), "kinds are independent")
}

func TestResetUpdateConditionsAtKeepsRacingWrites(t *testing.T) {
	c := NewCoordinator()
	k := content.KindSentence
	c.SetCache(k, Snapshot{})
	c.RecordOperation(OpInsert, k)

	v := c.StaleVersion(k)
	// An insert commits while the reload is reading the store.
	c.RecordOperation(OpInsert, k)
	assert.False(t, c.ResetUpdateConditionsAt(k, v))
	assert.True(t, c.NeedsCacheUpdate(k, false))

	v = c.StaleVersion(k)
	assert.True(t, c.ResetUpdateConditionsAt(k, v))
	assert.False(t, c.NeedsCacheUpdate(k, false))
}

func TestOperationStats(t *testing.T) {
	c := NewCoordinator()
	k := content.KindWord

	stats := c.GetOperationStats(k)
	require.False(t, stats.HasOperations)

	c.RecordOperation(OpInsert, k)
	c.RecordOperation(OpInsert, k)
	c.RecordOperation(OpQuery, k)

	stats = c.GetOperationStats(k)
	assert.True(t, stats.HasOperations)
	assert.EqualValues(t, 2, stats.Inserts)
	assert.EqualValues(t, 1, stats.Queries)
	assert.False(t, stats.LastInsert.IsZero())
	assert.True(t, stats.LastDelete.IsZero())

	// The returned stats are a copy.
	stats.Inserts = 100
	assert.EqualValues(t, 2, c.GetOperationStats(k).Inserts)

	all := c.AllOperationStats()
	assert.EqualValues(t, 2, all[k].Inserts)
	assert.False(t, all[content.KindSentence].HasOperations)

	c.ResetStats(k)
	assert.Equal(t, OperationStats{}, c.GetOperationStats(k))
}

func TestGetCacheReturnsInstalledSnapshot(t *testing.T) {
	c := NewCoordinator()
	require.Nil(t, c.GetCache(content.KindWord))

	snap := Snapshot{"猫": {Content: "猫"}}
	c.SetCache(content.KindWord, snap)
	assert.Equal(t, snap, c.GetCache(content.KindWord))

	c.SetCache(content.KindWord, nil)
	assert.Nil(t, c.GetCache(content.KindWord))
}
