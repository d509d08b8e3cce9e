// Package generation implements the generational structure that sits
// above the CAS/AC/TC triple (spec.md §4.6 Generation, §4.7
// GenerationSet): each generation owns its own LocalCAS, ActionCache
// and TargetCache rooted under a numbered directory, and a
// GenerationSet probes them youngest first (generation 0, then older
// ones) on read while always writing to generation 0.
package generation

import (
	"fmt"
	"path"

	"github.com/justcached/justcached/pkg/ac"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/tc"
)

// Generation is a single numbered generation's storage: its own CAS,
// ActionCache and TargetCache, all rooted at
// cache_root/<protocol>/generation-<i>/... The split by protocol tag
// keeps a user's switch between hash modes from colliding paths
// (spec.md §4.6).
type Generation struct {
	Index int
	Root  string
	CAS   *localcas.LocalCAS
	AC    *ac.ActionCache
	TC    *tc.TargetCache
}

// New constructs the i'th generation rooted at cacheRoot/<protocol>/generation-<i>.
func New(cacheRoot string, protocol digest.Protocol, index int) *Generation {
	root := path.Join(cacheRoot, protocol.String(), fmt.Sprintf("generation-%d", index))
	cas := localcas.New(path.Join(root, "cas"), protocol)
	return &Generation{
		Index: index,
		Root:  root,
		CAS:   cas,
		AC:    ac.New(path.Join(root, "ac"), cas),
		TC:    tc.New(path.Join(root, "tc"), cas),
	}
}
