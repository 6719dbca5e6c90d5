package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	require.NoError(t, SetNodeID(NodeIDFromString("gateway_01")))
	seen := make(map[int64]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := Generate()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestNodeIDFromStringInRange(t *testing.T) {
	for _, s := range []string{"", "gateway_01", "gateway_02", "a-very-long-node-name"} {
		n := NodeIDFromString(s)
		assert.GreaterOrEqual(t, n, int64(0))
		assert.Less(t, n, int64(1024))
	}
	assert.NotEqual(t, NewAckID(), NewAckID())
}
