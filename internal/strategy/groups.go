package strategy

import (
	"runtime"
	"sync"
	"weak"

	"github.com/snehjoshi/epochbus/internal/syncgroup"
	"github.com/snehjoshi/epochbus/internal/types"
)

// affinityGroups is a cache of per-affinity groups keyed by token identity.
// Entries are dropped once their affinity token has been garbage collected.
type affinityGroups struct {
	groups   sync.Map // weak.Pointer[types.Affinity] → syncgroup.Group
	newGroup func() syncgroup.Group
}

func newAffinityGroups(newGroup func() syncgroup.Group) *affinityGroups {
	return &affinityGroups{newGroup: newGroup}
}

// get returns the group for a, creating it on first use. Concurrent first uses
// race through LoadOrStore; the losing candidate is discarded.
func (c *affinityGroups) get(a *types.Affinity) syncgroup.Group {
	key := weak.Make(a)
	if g, ok := c.groups.Load(key); ok {
		return g.(syncgroup.Group)
	}
	g, loaded := c.groups.LoadOrStore(key, c.newGroup())
	if !loaded {
		runtime.AddCleanup(a, c.evict, key)
	}
	return g.(syncgroup.Group)
}

func (c *affinityGroups) evict(key weak.Pointer[types.Affinity]) {
	c.groups.Delete(key)
}

func (c *affinityGroups) len() int {
	n := 0
	c.groups.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
