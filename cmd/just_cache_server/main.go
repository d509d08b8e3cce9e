package main

import (
	"context"
	"log"
	"net"
	"os"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/justcached/justcached/pkg/configuration"
	"github.com/justcached/justcached/pkg/global"
	"github.com/justcached/justcached/pkg/program"
	"github.com/justcached/justcached/pkg/storage"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal("Usage: just_cache_server just_cache_server.jsonnet")
	}

	if err := global.ApplyUmask(0o022); err != nil {
		log.Print("Warning: failed to set process umask: ", err)
	}

	config, err := configuration.ReadConfigurationFromFile(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read configuration from %s: %s", os.Args[1], err)
	}

	store, err := storage.New(config)
	if err != nil {
		log.Fatal("Failed to initialize storage: ", err)
	}

	if config.Remote != nil {
		if err := store.DialRemote(context.Background(), grpc.WithTransportCredentials(insecure.NewCredentials())); err != nil {
			log.Fatal("Failed to dial remote peer: ", err)
		}
	}

	allowUpdates := make(map[string]bool, len(config.AllowActionCacheUpdatesForInstances))
	for _, instanceName := range config.AllowActionCacheUpdatesForInstances {
		allowUpdates[instanceName] = true
	}
	casServer, byteStreamServer, actionCacheServer := store.NewGRPCFrontDoor(allowUpdates)

	program.RunMain(func(ctx context.Context, siblings, dependencies program.Group) error {
		if config.GCIntervalSeconds > 0 {
			dependencies.Go(store.RunGCDaemon)
		}

		listener, err := net.Listen("tcp", config.GRPCListenAddress)
		if err != nil {
			return err
		}

		server := grpc.NewServer()
		remoteexecution.RegisterContentAddressableStorageServer(server, casServer)
		bytestream.RegisterByteStreamServer(server, byteStreamServer)
		remoteexecution.RegisterActionCacheServer(server, actionCacheServer)

		siblings.Go(func(ctx context.Context, siblings, dependencies program.Group) error {
			<-ctx.Done()
			server.GracefulStop()
			return nil
		})

		log.Printf("just_cache_server listening on %s, serving %s", config.GRPCListenAddress, store.Protocol)
		return server.Serve(listener)
	})
}
