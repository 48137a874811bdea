package transfer

import (
	"context"
	"errors"
	"io"
	"sync"
)

// WriterSink streams every part sequentially into one writer. It backs pull
// transfers where the destination is the caller's response body.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
	n  int64
}

// NewWriterSink returns a sink writing to w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Written returns the number of bytes written so far
func (s *WriterSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Transfer copies each part of source to the writer in order
func (s *WriterSink) Transfer(ctx context.Context, source Source) Result {
	parts, err := source.OpenParts(ctx)
	if err != nil {
		return Failure(StatusFatal, "Error processing data transfer request")
	}
	defer parts.Close()

	for {
		part, err := parts.Next(ctx)
		if errors.Is(err, io.EOF) {
			return Success()
		}
		if err != nil {
			return FromError(err)
		}
		if res := s.copyPart(ctx, part); res.Failed() {
			return res
		}
	}
}

func (s *WriterSink) copyPart(ctx context.Context, part Part) Result {
	rc, err := part.Open(ctx)
	if err != nil {
		return Failuref(StatusErrorRetry, "open part %s: %v", part.Name(), err)
	}
	defer rc.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := io.Copy(s.w, rc)
	s.n += n
	if err != nil {
		return Failuref(StatusErrorRetry, "copy part %s: %v", part.Name(), err)
	}
	return Success()
}
