package id

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node    *snowflake.Node
	once    sync.Once
	initErr error
)

// Init initializes the Snowflake node with the given node ID. Only the first
// call has an effect.
func Init(nodeID int64) error {
	once.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
		if initErr != nil {
			initErr = fmt.Errorf("creating snowflake node %d: %w", nodeID, initErr)
		}
	})
	return initErr
}

// New generates a new time-ordered int64 ID. Repository sync records rely on
// the ordering: a larger ID was discovered later.
func New() int64 {
	return node.Generate().Int64()
}
