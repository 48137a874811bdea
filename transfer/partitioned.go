package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c360/dataplane/metric"
)

// Defaults for PartitionedSink
const (
	DefaultPartitionSize        = 5
	DefaultPartitionConcurrency = 4
)

// PartWriter writes one partition of parts to a destination. Parts must be
// written in order, and every stream opened must be closed on every path.
type PartWriter interface {
	WriteParts(ctx context.Context, parts []Part) Result
}

// PartWriterFunc adapts a function into a PartWriter
type PartWriterFunc func(ctx context.Context, parts []Part) Result

// WriteParts calls f
func (f PartWriterFunc) WriteParts(ctx context.Context, parts []Part) Result {
	return f(ctx, parts)
}

// PartitionedSink splits a source into fixed-size partitions and writes them
// concurrently through a PartWriter. Partition concurrency is bounded
// independently of the dispatcher's workers.
type PartitionedSink struct {
	writer        PartWriter
	partitionSize int
	concurrency   int
	logger        *slog.Logger
	metrics       *metric.Metrics
}

// SinkOption configures a PartitionedSink
type SinkOption func(*PartitionedSink)

// WithPartitionSize sets the number of parts per partition
func WithPartitionSize(n int) SinkOption {
	return func(s *PartitionedSink) {
		if n > 0 {
			s.partitionSize = n
		}
	}
}

// WithConcurrency bounds how many partitions are written at once
func WithConcurrency(n int) SinkOption {
	return func(s *PartitionedSink) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the sink logger
func WithLogger(logger *slog.Logger) SinkOption {
	return func(s *PartitionedSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records partition outcomes
func WithMetrics(m *metric.Metrics) SinkOption {
	return func(s *PartitionedSink) { s.metrics = m }
}

// NewPartitionedSink creates a partitioned sink around writer
func NewPartitionedSink(writer PartWriter, opts ...SinkOption) *PartitionedSink {
	s := &PartitionedSink{
		writer:        writer,
		partitionSize: DefaultPartitionSize,
		concurrency:   DefaultPartitionConcurrency,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PartitionSize returns the configured partition size
func (s *PartitionedSink) PartitionSize() int { return s.partitionSize }

type partitionResult struct {
	index  int
	result Result
}

// Transfer writes every part of source. The result is a success only if every
// partition succeeded; otherwise a single ERROR_RETRY failure carries the
// messages of all failed partitions. Partitions already written are kept.
func (s *PartitionedSink) Transfer(ctx context.Context, source Source) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Partitioned transfer panicked", "panic", r)
			result = Failuref(StatusErrorRetry, "Unhandled exception raised when transferring data: %v", r)
		}
	}()

	parts, err := source.OpenParts(ctx)
	if err != nil {
		s.logger.Error("Error processing data transfer request", "error", err)
		return Failure(StatusFatal, "Error processing data transfer request")
	}
	defer parts.Close()

	var (
		mu      sync.Mutex
		results []partitionResult
		g       errgroup.Group
	)
	g.SetLimit(s.concurrency)

	schedule := func(index int, batch []Part) {
		g.Go(func() error {
			res := s.writePartition(ctx, index, batch)
			mu.Lock()
			results = append(results, partitionResult{index: index, result: res})
			mu.Unlock()
			return nil
		})
	}

	var iterErr error
	batch := make([]Part, 0, s.partitionSize)
	partitions := 0
	for {
		part, err := parts.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			iterErr = err
			break
		}
		batch = append(batch, part)
		if len(batch) == s.partitionSize {
			schedule(partitions, batch)
			partitions++
			batch = make([]Part, 0, s.partitionSize)
		}
	}
	if len(batch) > 0 {
		schedule(partitions, batch)
		partitions++
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	var failures error
	var messages []string
	for _, pr := range results {
		if pr.result.Succeeded() {
			continue
		}
		failures = multierr.Append(failures, fmt.Errorf("partition %d: %s", pr.index, pr.result.Message()))
		messages = append(messages, pr.result.Messages...)
	}
	if iterErr != nil {
		failures = multierr.Append(failures, iterErr)
		messages = append(messages, fmt.Sprintf("Error reading source parts: %v", iterErr))
	}

	if failures != nil {
		s.logger.Warn("Partitioned transfer failed",
			"partitions", partitions,
			"failed", len(multierr.Errors(failures)),
			"error", failures)
		return Failure(StatusErrorRetry, messages...)
	}

	s.logger.Debug("Partitioned transfer completed", "partitions", partitions)
	return Success()
}

func (s *PartitionedSink) writePartition(ctx context.Context, index int, parts []Part) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Partition write panicked", "partition", index, "panic", r)
			result = Failuref(StatusErrorRetry, "Unhandled exception raised when transferring data: %v", r)
		}
		s.metrics.RecordPartition(result.Succeeded())
	}()

	result = s.writer.WriteParts(ctx, parts)
	if result.Status == "" {
		// zero Result from a writer is treated as success
		result = Success()
	}
	return result
}
