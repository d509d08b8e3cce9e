// Package gc implements the GarbageCollector (spec.md §4.9, component
// C9): bounded-space, at-most-once-cost eviction by renaming
// generation directories down one slot under an exclusive lock, with
// the evicted directory staged under a uniquely-named tombstone and
// removed asynchronously (best-effort).
//
// Grounded directly in
// original_source/src/buildtool/storage/garbage_collector.cpp's
// TriggerGarbageCollection: the rotation order, the crash-recovery
// sweep of a leftover tombstone, and the "missing source directories
// are skipped" rule are all carried over unchanged.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/justcached/justcached/pkg/lock"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
)

var (
	gcPrometheusMetrics sync.Once

	gcRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "justcached",
			Subsystem: "gc",
			Name:      "rotations_total",
			Help:      "Number of generation-directory rotation rounds run, by outcome",
		},
		[]string{"protocol_root", "outcome"})
	gcRotationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "justcached",
			Subsystem: "gc",
			Name:      "rotation_duration_seconds",
			Help:      "Wall-clock time taken by a GC rotation round, from lock acquisition to release",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"protocol_root"})
)

func registerGCMetrics() {
	gcPrometheusMetrics.Do(func() {
		prometheus.MustRegister(gcRotationsTotal, gcRotationDuration)
	})
}

var gcTracer = otel.Tracer("github.com/justcached/justcached/pkg/gc")

// Collector rotates the generation directories of a single protocol
// root (cache_root/<protocol>/), under the process-wide lock rooted at
// cacheRoot/gc.lock.
type Collector struct {
	cacheRoot      string
	protocolRoot   string
	numGenerations int
	errorLogger    util.ErrorLogger
	uuidGen        util.UUIDGenerator
}

// New constructs a Collector for one protocol's generation directories.
// cacheRoot is the top-level storage root (where gc.lock lives);
// protocolRoot is cacheRoot/<protocol>. Step 5's best-effort tombstone
// removal failures are reported through util.DefaultErrorLogger, since
// they occur after Run has already committed to returning success.
// Tombstone names are suffixed with a UUID from uuid.NewRandom.
func New(cacheRoot, protocolRoot string, numGenerations int) *Collector {
	registerGCMetrics()
	return &Collector{
		cacheRoot:      cacheRoot,
		protocolRoot:   protocolRoot,
		numGenerations: numGenerations,
		errorLogger:    util.DefaultErrorLogger,
		uuidGen:        uuid.NewRandom,
	}
}

func (c *Collector) generationDir(i int) string {
	return filepath.Join(c.protocolRoot, fmt.Sprintf("generation-%d", i))
}

// Run executes one GC round per spec.md §4.9:
//  1. acquire the exclusive lock;
//  2. clean up a tombstone left behind by a prior crashed GC;
//  3. rename generation-i to generation-(i+1) for i = N-1 downto 0,
//     with the oldest generation renamed to a fresh tombstone instead;
//  4. release the lock;
//  5. best-effort remove the tombstone.
//
// Step 2's failure is fatal (a prior half-evicted generation must not
// be silently left around to reappear after this round's rotation);
// step 5's failure is logged but non-fatal, per spec.md §7.
func (c *Collector) Run(ctx context.Context) (err error) {
	ctx, span := gcTracer.Start(ctx, "gc.Rotate", trace.WithAttributes(
		attribute.String("protocol_root", c.protocolRoot),
		attribute.Int("num_generations", c.numGenerations),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		gcRotationDuration.WithLabelValues(c.protocolRoot).Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		gcRotationsTotal.WithLabelValues(c.protocolRoot, outcome).Inc()
	}()

	id := util.Must(c.uuidGen())
	tombstone := filepath.Join(c.cacheRoot, "remove-me-"+id.String())

	if err := c.rotate(ctx, tombstone); err != nil {
		return err
	}

	if err := os.RemoveAll(tombstone); err != nil {
		// Best-effort: spec.md §4.9 step 5 is non-fatal.
		c.errorLogger.Log(util.StatusWrapfWithCode(err, codes.Internal, "Failed to remove tombstone %s", tombstone))
	}
	return nil
}

// sweepLeftoverTombstones removes any remove-me-* directories left
// behind by a prior crashed GC round, after this round has acquired the
// lock. Per spec.md §4.9 step 2, failure here is fatal.
func (c *Collector) sweepLeftoverTombstones() error {
	entries, err := os.ReadDir(c.cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to list cache root")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) >= len("remove-me-") && name[:len("remove-me-")] == "remove-me-" {
			if err := os.RemoveAll(filepath.Join(c.cacheRoot, name)); err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to remove leftover tombstone %s", name)
			}
		}
	}
	return nil
}

func (c *Collector) rotate(ctx context.Context, tombstone string) error {
	_, rotateSpan := gcTracer.Start(ctx, "gc.rotate.locked")
	defer rotateSpan.End()

	l, err := lock.Acquire(lock.Path(c.cacheRoot), true)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Aborted, "Failed to exclusively lock the cache root")
	}
	defer l.Release()

	if err := c.sweepLeftoverTombstones(); err != nil {
		return err
	}

	for i := c.numGenerations; i > 0; i-- {
		src := c.generationDir(i - 1)
		if _, err := os.Lstat(src); err != nil {
			if os.IsNotExist(err) {
				// Legal to run GC on a partially populated
				// set (spec.md §4.9 step 3).
				continue
			}
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to stat %s", src)
		}

		dst := tombstone
		if i != c.numGenerations {
			dst = c.generationDir(i)
		}
		if err := os.Rename(src, dst); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to rename %s to %s", src, dst)
		}
	}
	return nil
}
