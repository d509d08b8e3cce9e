package storage_test

import (
	"context"
	"testing"

	"github.com/justcached/justcached/pkg/configuration"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/storage"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsGenerationSetAndFrontDoor(t *testing.T) {
	config := &configuration.ApplicationConfiguration{
		CacheRoot:               t.TempDir(),
		HashProtocol:            "compatible",
		NumGenerations:          2,
		MaximumMessageSizeBytes: 1 << 20,
		GRPCReadChunkSize:       64 * 1024,
	}

	store, err := storage.New(config)
	require.NoError(t, err)
	require.Equal(t, digest.Compatible, store.Protocol)
	require.Equal(t, 2, store.Set.NumGenerations())

	d, err := store.Set.StoreBlob([]byte("hello"), false)
	require.NoError(t, err)

	data, ok, err := store.Set.GetBlob(d, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	cas, byteStream, actionCache := store.NewGRPCFrontDoor(map[string]bool{"": true})
	require.NotNil(t, cas)
	require.NotNil(t, byteStream)
	require.NotNil(t, actionCache)
}

func TestDialRemoteNoopWithoutConfiguredPeer(t *testing.T) {
	config := &configuration.ApplicationConfiguration{
		CacheRoot:    t.TempDir(),
		HashProtocol: "native",
	}
	store, err := storage.New(config)
	require.NoError(t, err)

	require.NoError(t, store.DialRemote(context.Background()))
	require.Nil(t, store.Remote)
	require.Nil(t, store.Sync)
}
