package redis

import (
	"context"
	"testing"

	"HaksaPresence/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewClient(Config{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	defer rdb.Close()
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient(Config{Addr: " , "})
	assert.True(t, errs.Is(err, errs.ErrConnection))

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewClient(Config{Addr: addr})
	assert.True(t, errs.Is(err, errs.ErrConnection))
}

func TestAddrs(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, Config{Addr: "a:1, b:2,"}.addrs())
	assert.Nil(t, Config{}.addrs())
}
