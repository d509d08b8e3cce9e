package gc_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/gc"
	"github.com/justcached/justcached/pkg/generation"
	"github.com/justcached/justcached/pkg/generationset"

	"github.com/stretchr/testify/require"
)

func newSet(t *testing.T, root string, n int) *generationset.GenerationSet {
	gens := make([]*generation.Generation, n)
	for i := 0; i < n; i++ {
		gens[i] = generation.New(root, digest.Compatible, i)
	}
	return generationset.New(gens)
}

// TestGCRotation mirrors spec.md's scenario S6: with NumGenerations=2,
// a blob stored in generation 0 survives one GC rotation into
// generation 1, is evicted by a second rotation with no intervening
// read, but survives the second rotation if it was read in between.
func TestGCRotation(t *testing.T) {
	root := t.TempDir()
	protocolRoot := filepath.Join(root, digest.Compatible.String())
	collector := gc.New(root, protocolRoot, 2)

	set := newSet(t, root, 2)
	d, err := set.StoreBlob([]byte("test"), false)
	require.NoError(t, err)

	require.NoError(t, collector.Run(context.Background()))

	set = newSet(t, root, 2)
	_, ok, err := set.Generations()[0].CAS.BlobPath(d, false)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = set.Generations()[1].CAS.BlobPath(d, false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, collector.Run(context.Background()))
	set = newSet(t, root, 2)
	_, ok, err = set.BlobPath(d, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGCRotationSurvivesInterveningRead(t *testing.T) {
	root := t.TempDir()
	protocolRoot := filepath.Join(root, digest.Compatible.String())
	collector := gc.New(root, protocolRoot, 2)

	set := newSet(t, root, 2)
	d, err := set.StoreBlob([]byte("test"), false)
	require.NoError(t, err)

	require.NoError(t, collector.Run(context.Background()))

	// Intervening read through the GenerationSet uplinks the blob
	// back into generation 0.
	set = newSet(t, root, 2)
	_, ok, err := set.BlobPath(d, false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, collector.Run(context.Background()))
	set = newSet(t, root, 2)
	_, ok, err = set.Generations()[0].CAS.BlobPath(d, false)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestGCBoundedness mirrors spec.md's property 4: after N+1 successive
// rotations with no reads in between, the store is empty.
func TestGCBoundedness(t *testing.T) {
	root := t.TempDir()
	protocolRoot := filepath.Join(root, digest.Compatible.String())
	const n = 3
	collector := gc.New(root, protocolRoot, n)

	set := newSet(t, root, n)
	d, err := set.StoreBlob([]byte("test"), false)
	require.NoError(t, err)

	for i := 0; i < n+1; i++ {
		require.NoError(t, collector.Run(context.Background()))
	}

	set = newSet(t, root, n)
	for _, g := range set.Generations() {
		_, ok, err := g.CAS.BlobPath(d, false)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestGCHandlesPartiallyPopulatedSet(t *testing.T) {
	root := t.TempDir()
	protocolRoot := filepath.Join(root, digest.Compatible.String())
	collector := gc.New(root, protocolRoot, 3)
	require.NoError(t, collector.Run(context.Background()))
	require.NoError(t, collector.Run(context.Background()))
}
