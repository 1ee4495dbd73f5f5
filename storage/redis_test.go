package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"patterndb/core"
)

func newRedisSink(t *testing.T, opts RedisOptions) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts.Addr = mr.Addr()
	s := NewRedisSink(opts, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisSink_PushesInOrder(t *testing.T) {
	s, mr := newRedisSink(t, RedisOptions{PoolSize: 4})
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	in := []*core.Record{
		original(0, "login failed for bob"),
		synthetic(80, "R1", "3 failed logins for bob", core.OriginInternal),
	}
	require.NoError(t, s.Write(ctx, in))

	list, err := mr.List(DefaultRedisKey)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := s.Range(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, in[0].ID, got[0].ID)
	assert.Equal(t, "3 failed logins for bob", got[1].Message())
	assert.Equal(t, core.OriginInternal, got[1].Origin)
}

func TestRedisSink_MaxLenAndSyntheticOnly(t *testing.T) {
	s, mr := newRedisSink(t, RedisOptions{Key: "pdb:out", MaxLen: 2, SyntheticOnly: true, Format: OutputMsgpack})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Write(ctx, []*core.Record{
			original(i, "noise"),
			synthetic(i, "R1", "event", core.OriginPassThrough),
		}))
	}

	list, err := mr.List("pdb:out")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := s.Range(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.True(t, r.IsSynthetic())
	}
	assert.Equal(t, epoch.Add(3e9).Unix(), got[1].Timestamp.Unix(), "newest entries are kept")

	assert.NoError(t, s.Write(ctx, []*core.Record{original(9, "only originals")}))
	list, _ = mr.List("pdb:out")
	assert.Len(t, list, 2)
}

func TestRedisSink_ServerDown(t *testing.T) {
	s, mr := newRedisSink(t, RedisOptions{})
	mr.Close()

	err := s.Write(context.Background(), []*core.Record{original(0, "lost")})
	assert.Error(t, err)
	assert.Error(t, s.Ping(context.Background()))
}
