// Package idgen issues identifiers: uuids for entities and snowflake ids for
// the append-only transaction log, so log rows sort by creation order.
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init sets the snowflake node id of this process. Each running instance
// needs its own node id in [0, 1023].
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("idgen: node %d: %w", nodeID, err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

func NewID() string {
	return uuid.New().String()
}

func NextSequence() int64 {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		n, err := snowflake.NewNode(0)
		if err != nil {
			panic(err)
		}
		node = n
	}
	return node.Generate().Int64()
}
