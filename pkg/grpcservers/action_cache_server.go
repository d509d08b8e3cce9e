package grpcservers

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/generationset"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ActionCacheServer adapts a GenerationSet to
// remoteexecution.ActionCacheServer.
type ActionCacheServer struct {
	remoteexecution.UnimplementedActionCacheServer

	set                      *generationset.GenerationSet
	protocol                 digest.Protocol
	allowUpdatesForInstances map[string]bool
}

// NewActionCacheServer constructs an ActionCacheServer over set.
// allowUpdatesForInstances names the REv2 instance names this endpoint
// accepts UpdateActionResult calls for; every other instance is
// read-only.
func NewActionCacheServer(set *generationset.GenerationSet, protocol digest.Protocol, allowUpdatesForInstances map[string]bool) *ActionCacheServer {
	return &ActionCacheServer{set: set, protocol: protocol, allowUpdatesForInstances: allowUpdatesForInstances}
}

// GetActionResult looks up the cached result of an action.
func (s *ActionCacheServer) GetActionResult(ctx context.Context, in *remoteexecution.GetActionResultRequest) (*remoteexecution.ActionResult, error) {
	d, err := digest.NewFromProto(s.protocol, digest.File, in.ActionDigest)
	if err != nil {
		return nil, err
	}

	result, found, err := s.set.CachedActionResult(d.GetHashString())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, status.Error(codes.NotFound, "Action result not found")
	}
	return toProtoActionResult(result), nil
}

// UpdateActionResult stores a newly computed action result. Per
// spec.md §4.4 the store is last-wins: a rerun always overwrites an
// earlier entry for the same action, regardless of the stored entry's
// exit code.
func (s *ActionCacheServer) UpdateActionResult(ctx context.Context, in *remoteexecution.UpdateActionResultRequest) (*remoteexecution.ActionResult, error) {
	if !s.allowUpdatesForInstances[in.InstanceName] {
		return nil, status.Errorf(codes.PermissionDenied, "This service can only be used to get action results for instance %#v", in.InstanceName)
	}
	d, err := digest.NewFromProto(s.protocol, digest.File, in.ActionDigest)
	if err != nil {
		return nil, err
	}

	result := fromProtoActionResult(in.ActionResult)
	if err := s.set.StoreActionResult(d.GetHashString(), result); err != nil {
		return nil, err
	}
	return in.ActionResult, nil
}

func toProtoActionResult(r *casmodel.ActionResult) *remoteexecution.ActionResult {
	pb := &remoteexecution.ActionResult{ExitCode: r.ExitCode}
	for _, f := range r.OutputFiles {
		pb.OutputFiles = append(pb.OutputFiles, &remoteexecution.OutputFile{
			Path:         f.Path,
			Digest:       &remoteexecution.Digest{Hash: f.Hash, SizeBytes: f.SizeBytes},
			IsExecutable: f.Executable,
		})
	}
	for _, d := range r.OutputDirectories {
		pb.OutputDirectories = append(pb.OutputDirectories, &remoteexecution.OutputDirectory{
			Path:       d.Path,
			TreeDigest: &remoteexecution.Digest{Hash: d.TreeHash, SizeBytes: d.SizeBytes},
		})
	}
	for _, l := range r.OutputSymlinks {
		pb.OutputSymlinks = append(pb.OutputSymlinks, &remoteexecution.OutputSymlink{
			Path:   l.Path,
			Target: l.Target,
		})
	}
	return pb
}

func fromProtoActionResult(pb *remoteexecution.ActionResult) *casmodel.ActionResult {
	r := &casmodel.ActionResult{ExitCode: pb.ExitCode}
	for _, f := range pb.OutputFiles {
		r.OutputFiles = append(r.OutputFiles, casmodel.OutputFile{
			Path:       f.Path,
			Hash:       f.Digest.GetHash(),
			SizeBytes:  f.Digest.GetSizeBytes(),
			Executable: f.IsExecutable,
		})
	}
	for _, d := range pb.OutputDirectories {
		r.OutputDirectories = append(r.OutputDirectories, casmodel.OutputDirectory{
			Path:      d.Path,
			TreeHash:  d.TreeDigest.GetHash(),
			SizeBytes: d.TreeDigest.GetSizeBytes(),
		})
	}
	for _, l := range pb.OutputSymlinks {
		r.OutputSymlinks = append(r.OutputSymlinks, casmodel.OutputSymlink{
			Path:   l.Path,
			Target: l.Target,
		})
	}
	return r
}
