package ids

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

func init() {
	snowflake.Epoch = 1577836800000 // 2020-01-01 UTC
	node, _ = snowflake.NewNode(1)
}

// SetNodeID selects the snowflake node (0~1023). Call it once from main before
// any id is generated; out of range values fall back to 1.
func SetNodeID(nodeID int64) error {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// Generate returns a new snowflake id.
func Generate() int64 {
	mu.Lock()
	n := node
	mu.Unlock()
	return n.Generate().Int64()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// NodeIDFromString hashes a textual node id (e.g. "gateway_01") into the
// snowflake node range.
func NodeIDFromString(s string) int64 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return int64(h % 1024)
}

// NewAckID returns a random id for client publish acknowledgements.
func NewAckID() string {
	return uuid.NewString()
}
