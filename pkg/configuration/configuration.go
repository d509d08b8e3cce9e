// Package configuration implements the Configuration loader (spec.md
// §6, SPEC_FULL.md component C12): a Jsonnet document, evaluated with
// environment variables exposed through std.extVar, decoded into the
// plain Go structs this repository's entry point wires up into a
// Storage value.
//
// Grounded in pkg/util/jsonnet.go's UnmarshalConfigurationFromFile,
// which this package calls directly; unlike the teacher, which decodes
// Jsonnet output into a generated protobuf message via protojson, this
// repository has no protobuf toolchain available, so it decodes into
// hand-written structs with encoding/json tags instead (see DESIGN.md).
package configuration

import (
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ApplicationConfiguration is the root of a just_cache_server Jsonnet
// document.
type ApplicationConfiguration struct {
	// CacheRoot is the top-level storage directory (spec.md §6):
	// cache_root/<protocol>/generation-<i>/{cas,ac,tc} and
	// cache_root/rehash/<src>-to-<tgt>/generation-<i>/ all live under
	// it, alongside the gc.lock advisory lock file.
	CacheRoot string `json:"cacheRoot"`

	// HashProtocol selects which of the two hash spaces this process
	// serves: "native" (Git-style tagged SHA-1) or "compatible" (flat
	// SHA-256). A single process instance speaks exactly one protocol;
	// running both concurrently means running two instances against
	// the same CacheRoot (spec.md §4.6).
	HashProtocol string `json:"hashProtocol"`

	// NumGenerations is the fixed generation count N for this
	// protocol's GenerationSet (spec.md §4.7); it also bounds how many
	// rotations the GarbageCollector performs eviction over.
	NumGenerations int `json:"numGenerations"`

	// MaximumMessageSizeBytes caps the total size BatchReadBlobs will
	// serve in one gRPC message (spec.md §4.12). BatchUpdateBlobs does
	// not check it.
	MaximumMessageSizeBytes int64 `json:"maximumMessageSizeBytes"`

	// GRPCListenAddress is the address the C13 front door listens on,
	// e.g. "unix:///var/run/just_cache_server.sock" or ":8980".
	GRPCListenAddress string `json:"grpcListenAddress"`

	// GRPCReadChunkSize bounds how large a single ByteStream Read
	// response chunk may be.
	GRPCReadChunkSize int `json:"grpcReadChunkSize"`

	// AllowActionCacheUpdatesForInstances lists the REv2 instance names
	// UpdateActionResult is permitted for; every other instance name is
	// read-only, matching the teacher's AC update gate.
	AllowActionCacheUpdatesForInstances []string `json:"allowActionCacheUpdatesForInstances"`

	// GCIntervalSeconds is how often the GC daemon routine triggers a
	// rotation round; zero disables the daemon loop (GC must then be
	// triggered externally, e.g. by an operator script).
	GCIntervalSeconds int `json:"gcIntervalSeconds"`

	// Remote optionally names a peer just_cache_server instance (or any
	// other ExecutionApi-compatible endpoint) this process synchronizes
	// against for RemoteSync (spec.md §4.11). Nil disables remote sync:
	// TargetCache.Store is then called with a nil syncer.
	Remote *RemoteConfiguration `json:"remote,omitempty"`
}

// RemoteConfiguration names the remote endpoint RemoteSync pulls
// artifacts from.
type RemoteConfiguration struct {
	// GRPCAddress is the gRPC target (see google.golang.org/grpc's
	// target syntax) of the remote CAS/ByteStream/ActionCache services.
	GRPCAddress string `json:"grpcAddress"`
}

// Protocol resolves HashProtocol into the digest.Protocol value the
// rest of the storage core expects.
func (c *ApplicationConfiguration) Protocol() (digest.Protocol, error) {
	switch c.HashProtocol {
	case "native":
		return digest.Native, nil
	case "compatible":
		return digest.Compatible, nil
	default:
		return digest.Native, status.Errorf(codes.InvalidArgument, "Unknown hash protocol %#v: must be \"native\" or \"compatible\"", c.HashProtocol)
	}
}

// ReadConfigurationFromFile evaluates the Jsonnet document at path and
// decodes it into an ApplicationConfiguration, applying defaults for
// fields a minimal configuration may omit.
func ReadConfigurationFromFile(path string) (*ApplicationConfiguration, error) {
	var config ApplicationConfiguration
	if err := util.UnmarshalConfigurationFromFile(path, &config); err != nil {
		return nil, err
	}
	if config.CacheRoot == "" {
		return nil, status.Error(codes.InvalidArgument, "Configuration is missing cacheRoot")
	}
	if config.NumGenerations <= 0 {
		config.NumGenerations = 1
	}
	if config.MaximumMessageSizeBytes <= 0 {
		config.MaximumMessageSizeBytes = 4 * 1024 * 1024
	}
	if config.GRPCReadChunkSize <= 0 {
		config.GRPCReadChunkSize = 64 * 1024
	}
	if _, err := config.Protocol(); err != nil {
		return nil, err
	}
	return &config, nil
}
