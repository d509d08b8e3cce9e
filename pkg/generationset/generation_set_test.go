package generationset_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/generation"
	"github.com/justcached/justcached/pkg/generationset"

	"github.com/stretchr/testify/require"
)

func newSet(t *testing.T, n int) (*generationset.GenerationSet, string) {
	root := t.TempDir()
	gens := make([]*generation.Generation, n)
	for i := 0; i < n; i++ {
		gens[i] = generation.New(root, digest.Compatible, i)
	}
	return generationset.New(gens), root
}

// TestUplinkOnRead mirrors spec.md's scenario S5: a blob seeded directly
// into generation 1 becomes present (as a hard link) in generation 0
// once it is read through the GenerationSet.
func TestUplinkOnRead(t *testing.T) {
	set, root := newSet(t, 2)

	olderGen := generation.New(root, digest.Compatible, 1)
	d, err := olderGen.CAS.StoreBlob([]byte("test"), false)
	require.NoError(t, err)

	// Not yet visible in generation 0.
	_, ok, err := set.Generations()[0].CAS.BlobPath(d, false)
	require.NoError(t, err)
	require.False(t, ok)

	p, ok, err := set.BlobPath(d, false)
	require.NoError(t, err)
	require.True(t, ok)

	gen0Path, ok, err := set.Generations()[0].CAS.BlobPath(d, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p, gen0Path)

	fi0, err := os.Stat(gen0Path)
	require.NoError(t, err)
	olderPath := filepath.Join(root, digest.Compatible.String(), "generation-1", "cas", "casf", d.GetHashString()[:2], d.GetHashString()[2:])
	fi1, err := os.Stat(olderPath)
	require.NoError(t, err)
	require.True(t, os.SameFile(fi0, fi1))
}

func TestBlobMissEverywhere(t *testing.T) {
	set, _ := newSet(t, 2)
	nonexistent := digest.MustNew(digest.Compatible, digest.File, strings.Repeat("0", 64), 4)
	_, ok, err := set.BlobPath(nonexistent, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWritesGoToGenerationZero(t *testing.T) {
	set, _ := newSet(t, 3)
	d, err := set.StoreBlob([]byte("hello"), false)
	require.NoError(t, err)

	p, ok, err := set.Latest().CAS.BlobPath(d, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, p)
}
