// Package storage assembles one configured protocol's generation set,
// garbage collector and execution capability into the single value the
// entry point wires the gRPC front door onto. It replaces the process-
// wide singletons spec.md §9 describes with one explicit value owned by
// main(), following the same "build everything in main, pass it down"
// shape as the teacher's cmd/bb_storage/main.go.
package storage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/justcached/justcached/pkg/clock"
	"github.com/justcached/justcached/pkg/configuration"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/executionapi"
	"github.com/justcached/justcached/pkg/gc"
	"github.com/justcached/justcached/pkg/generation"
	"github.com/justcached/justcached/pkg/generationset"
	"github.com/justcached/justcached/pkg/grpcservers"
	"github.com/justcached/justcached/pkg/program"

	"google.golang.org/grpc"
)

// Storage is the fully wired set of components one just_cache_server
// process serves: a single protocol's GenerationSet, the GarbageCollector
// that rotates it, and the Local capability remote sync operates
// through. The gRPC front door is built directly on the GenerationSet.
type Storage struct {
	Config   *configuration.ApplicationConfiguration
	Protocol digest.Protocol

	Set       *generationset.GenerationSet
	Collector *gc.Collector
	Local     *executionapi.Local

	// Clock drives RunGCDaemon's interval ticker. Defaults to
	// clock.SystemClock; a fake clock can be substituted to drive
	// rotations deterministically instead of waiting on a real timer.
	Clock clock.Clock

	// Remote and Sync are nil unless Config.Remote names a peer.
	RemoteConn *grpc.ClientConn
	Remote     *executionapi.Remote
	Sync       *executionapi.RemoteSync
}

// New builds every generation directory, the GenerationSet over them,
// the GarbageCollector, and the Local capability, but does not dial any
// remote peer; call DialRemote afterwards if config.Remote is set.
func New(config *configuration.ApplicationConfiguration) (*Storage, error) {
	protocol, err := config.Protocol()
	if err != nil {
		return nil, err
	}

	protocolRoot := filepath.Join(config.CacheRoot, protocol.String())
	generations := make([]*generation.Generation, config.NumGenerations)
	for i := range generations {
		generations[i] = generation.New(config.CacheRoot, protocol, i)
	}
	set := generationset.New(generations)

	return &Storage{
		Config:    config,
		Protocol:  protocol,
		Set:       set,
		Collector: gc.New(config.CacheRoot, protocolRoot, config.NumGenerations),
		Local:     executionapi.NewLocal(set),
		Clock:     clock.SystemClock,
	}, nil
}

// DialRemote connects to Config.Remote (if set) and assembles the
// RemoteSync that TargetCache.Store calls into before committing an
// entry referencing artifacts that may only exist on the peer so far.
func (s *Storage) DialRemote(ctx context.Context, dialOptions ...grpc.DialOption) error {
	if s.Config.Remote == nil {
		return nil
	}
	conn, err := grpc.NewClient(s.Config.Remote.GRPCAddress, dialOptions...)
	if err != nil {
		return err
	}
	s.RemoteConn = conn
	s.Remote = executionapi.NewRemote(conn, s.Protocol, "", s.Config.GRPCReadChunkSize)
	s.Sync = &executionapi.RemoteSync{Remote: s.Remote, Local: s.Local}
	return nil
}

// NewGRPCFrontDoor constructs the three REv2 service adapters over
// Storage's GenerationSet, ready to be registered against a
// *grpc.Server by the caller.
func (s *Storage) NewGRPCFrontDoor(allowUpdatesForInstances map[string]bool) (*grpcservers.CASServer, *grpcservers.ByteStreamServer, *grpcservers.ActionCacheServer) {
	cas := grpcservers.NewCASServer(s.Set, s.Protocol, s.Config.MaximumMessageSizeBytes)
	byteStream := grpcservers.NewByteStreamServer(s.Set, s.Protocol, s.Config.GRPCReadChunkSize)
	actionCache := grpcservers.NewActionCacheServer(s.Set, s.Protocol, allowUpdatesForInstances)
	return cas, byteStream, actionCache
}

// RunGCDaemon runs the GarbageCollector once per Config.GCIntervalSeconds
// until ctx is canceled, as a program.Routine suitable for a dependency
// slot (the GC outlives the gRPC server's siblings so an in-flight
// rotation isn't interrupted by shutdown of the request path).
func (s *Storage) RunGCDaemon(ctx context.Context, siblings, dependencies program.Group) error {
	if s.Config.GCIntervalSeconds <= 0 {
		return nil
	}
	cl := s.Clock
	if cl == nil {
		cl = clock.SystemClock
	}
	ticker, tickerChannel := cl.NewTicker(time.Duration(s.Config.GCIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tickerChannel:
			if err := s.Collector.Run(ctx); err != nil {
				return err
			}
		}
	}
}
