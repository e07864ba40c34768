// Package storetest holds behaviour tests shared by every ephemeral store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaixapi/filelist/internal/ephemeral"
)

// Run exercises s. The store must be empty.
func Run(t *testing.T, s ephemeral.Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "t:missing")
		assert.True(t, errors.Is(err, ephemeral.ErrNotFound))
		ok, err := s.Exists(ctx, "t:missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetGet", func(t *testing.T) {
		require.NoError(t, s.SetEX(ctx, "t:a", "1", time.Hour))
		v, err := s.Get(ctx, "t:a")
		require.NoError(t, err)
		assert.Equal(t, "1", v)

		ttl, err := s.TTL(ctx, "t:a")
		require.NoError(t, err)
		assert.True(t, ttl > 0 && ttl <= time.Hour, "ttl %v", ttl)
	})

	t.Run("NoExpiry", func(t *testing.T) {
		require.NoError(t, s.SetEX(ctx, "t:forever", "x", 0))
		ttl, err := s.TTL(ctx, "t:forever")
		require.NoError(t, err)
		assert.Equal(t, ephemeral.NoExpiry, ttl)
	})

	t.Run("SetManyDelete", func(t *testing.T) {
		pairs := map[string]string{"t:LINK:abcd1234": "id1", "t:LINK:id1": "abcd1234"}
		require.NoError(t, s.SetMany(ctx, pairs, time.Hour))

		vals, err := s.MGet(ctx, "t:LINK:abcd1234", "t:LINK:id1", "t:LINK:none")
		require.NoError(t, err)
		assert.Equal(t, []string{"id1", "abcd1234", ""}, vals)

		require.NoError(t, s.Delete(ctx, "t:LINK:abcd1234", "t:LINK:id1", "t:LINK:none"))
		for k := range pairs {
			ok, err := s.Exists(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok, k)
		}
	})

	t.Run("Incr", func(t *testing.T) {
		n, err := s.Incr(ctx, "t:NUM:7/a.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.Incr(ctx, "t:NUM:7/a.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("Lists", func(t *testing.T) {
		require.NoError(t, s.LPush(ctx, "t:list", "first"))
		require.NoError(t, s.LPush(ctx, "t:list", "second"))
		require.NoError(t, s.Expire(ctx, "t:list", time.Hour))

		items, err := s.LRange(ctx, "t:list", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"second", "first"}, items)

		items, err = s.LRange(ctx, "t:list", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"second"}, items)

		ttl, err := s.TTL(ctx, "t:list")
		require.NoError(t, err)
		assert.True(t, ttl > 0)
	})

	t.Run("KeysAndDeletePrefix", func(t *testing.T) {
		for _, k := range []string{"t:NUM:9/d/a", "t:NUM:9/d/b", "t:NUM:9/e"} {
			_, err := s.Incr(ctx, k)
			require.NoError(t, err)
		}
		keys, err := s.Keys(ctx, "t:NUM:9/d")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t:NUM:9/d/a", "t:NUM:9/d/b"}, keys)

		n, err := ephemeral.DeletePrefix(ctx, s, "t:NUM:9/d")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		keys, err = s.Keys(ctx, "t:NUM:9/")
		require.NoError(t, err)
		assert.Equal(t, []string{"t:NUM:9/e"}, keys)
	})
}
