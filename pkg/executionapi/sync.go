package executionapi

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/justcached/justcached/pkg/digest"
)

var syncTracer = otel.Tracer("github.com/justcached/justcached/pkg/executionapi")

// RemoteSync adapts a remote API into a tc.RemoteSyncer without giving
// pkg/tc a dependency on this package: TargetCache.Store calls
// SyncFromRemote right before committing an entry, so every artifact it
// references is pulled into Local's CAS and the entry stays readable
// offline afterwards (spec.md §4.5).
type RemoteSync struct {
	Remote API
	Local  API
}

// SyncFromRemote retrieves artifacts from Remote into Local.
func (s RemoteSync) SyncFromRemote(artifacts []digest.ObjectInfo) error {
	_, span := syncTracer.Start(context.Background(), "executionapi.SyncFromRemote",
		trace.WithAttributes(attribute.Int("artifact_count", len(artifacts))))
	defer span.End()

	if err := s.Remote.RetrieveToCas(artifacts, s.Local); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}
	return nil
}
