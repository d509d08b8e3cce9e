package configuration_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/justcached/justcached/pkg/configuration"
	"github.com/justcached/justcached/pkg/digest"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "just_cache_server.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestReadConfigurationFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		cacheRoot: "/var/cache/just_cache_server",
		hashProtocol: "compatible",
	}`)

	config, err := configuration.ReadConfigurationFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "/var/cache/just_cache_server", config.CacheRoot)
	require.Equal(t, 1, config.NumGenerations)
	require.Equal(t, int64(4*1024*1024), config.MaximumMessageSizeBytes)
	require.Equal(t, 64*1024, config.GRPCReadChunkSize)

	protocol, err := config.Protocol()
	require.NoError(t, err)
	require.Equal(t, digest.Compatible, protocol)
}

func TestReadConfigurationFromFileFullDocument(t *testing.T) {
	path := writeConfig(t, `{
		cacheRoot: "/var/cache/just_cache_server",
		hashProtocol: "native",
		numGenerations: 3,
		maximumMessageSizeBytes: 16 * 1024 * 1024,
		grpcListenAddress: ":8980",
		grpcReadChunkSize: 1024,
		allowActionCacheUpdatesForInstances: ["", "foo"],
		gcIntervalSeconds: 3600,
		remote: { grpcAddress: "peer.example.com:8980" },
	}`)

	config, err := configuration.ReadConfigurationFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, config.NumGenerations)
	require.Equal(t, []string{"", "foo"}, config.AllowActionCacheUpdatesForInstances)
	require.Equal(t, 3600, config.GCIntervalSeconds)
	require.NotNil(t, config.Remote)
	require.Equal(t, "peer.example.com:8980", config.Remote.GRPCAddress)

	protocol, err := config.Protocol()
	require.NoError(t, err)
	require.Equal(t, digest.Native, protocol)
}

func TestReadConfigurationFromFileRejectsMissingCacheRoot(t *testing.T) {
	path := writeConfig(t, `{ hashProtocol: "compatible" }`)

	_, err := configuration.ReadConfigurationFromFile(path)
	require.Error(t, err)
}

func TestReadConfigurationFromFileRejectsUnknownProtocol(t *testing.T) {
	path := writeConfig(t, `{
		cacheRoot: "/var/cache/just_cache_server",
		hashProtocol: "sha3",
	}`)

	_, err := configuration.ReadConfigurationFromFile(path)
	require.Error(t, err)
}
