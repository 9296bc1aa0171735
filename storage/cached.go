package storage

import (
	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/dat-rs/hypercore/merkle"
)

// DefaultNodeCacheSize is the Cached decorator's LRU capacity.
const DefaultNodeCacheSize = 65536

// Cached wraps any Store with an LRU decorator over GetNode/PutNode,
// grounded on the teacher's hand-rolled signature LRU
// (crypto/signature_cache_lru.go) but built on
// github.com/ethereum/go-ethereum/common/lru's generic BasicLRU.
// Every other operation passes straight through to the wrapped Store
// via interface embedding.
type Cached struct {
	Store
	nodes *lru.BasicLRU[uint64, merkle.Node]
}

// NewCached wraps inner with a node cache of the given capacity.
func NewCached(inner Store, capacity int) *Cached {
	return &Cached{
		Store: inner,
		nodes: lru.NewBasicLRU[uint64, merkle.Node](capacity),
	}
}

// GetNode consults the LRU before delegating to the wrapped Store.
func (c *Cached) GetNode(n uint64) (merkle.Node, error) {
	if node, ok := c.nodes.Get(n); ok {
		return node, nil
	}
	node, err := c.Store.GetNode(n)
	if err != nil {
		return node, err
	}
	c.nodes.Add(n, node)
	return node, nil
}

// PutNode writes through to the wrapped Store and refreshes the cache.
func (c *Cached) PutNode(node merkle.Node) error {
	if err := c.Store.PutNode(node); err != nil {
		return err
	}
	c.nodes.Add(node.Index, node)
	return nil
}
