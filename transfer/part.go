package transfer

import (
	"bytes"
	"context"
	"io"
)

// Part is a named unit of payload. Open returns a fresh stream that the caller
// must close on every path.
type Part interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// PartIterator yields parts lazily. Next returns io.EOF once the sequence is
// exhausted. An iterator is not restartable.
type PartIterator interface {
	Next(ctx context.Context) (Part, error)
	Close() error
}

// Source produces the parts of one transfer
type Source interface {
	OpenParts(ctx context.Context) (PartIterator, error)
	Close() error
}

// Sink consumes a source and reports the outcome
type Sink interface {
	Transfer(ctx context.Context, source Source) Result
}

// BytesPart is an in-memory part
type BytesPart struct {
	PartName string
	Data     []byte
}

// Name returns the part name
func (p BytesPart) Name() string { return p.PartName }

// Open returns a reader over the part data
func (p BytesPart) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p.Data)), nil
}

// OpenFunc adapts a function into a Part
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

type funcPart struct {
	name string
	open OpenFunc
}

// NewPart returns a part whose stream is produced by open
func NewPart(name string, open OpenFunc) Part {
	return funcPart{name: name, open: open}
}

func (p funcPart) Name() string { return p.name }

func (p funcPart) Open(ctx context.Context) (io.ReadCloser, error) { return p.open(ctx) }

type sliceIterator struct {
	parts []Part
	next  int
}

// IterateParts returns an iterator over a fixed list of parts
func IterateParts(parts ...Part) PartIterator {
	return &sliceIterator{parts: parts}
}

func (it *sliceIterator) Next(ctx context.Context) (Part, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.next >= len(it.parts) {
		return nil, io.EOF
	}
	p := it.parts[it.next]
	it.next++
	return p, nil
}

func (it *sliceIterator) Close() error { return nil }

// StaticSource serves a fixed list of parts
type StaticSource struct {
	Parts []Part
}

// OpenParts returns an iterator over the parts
func (s StaticSource) OpenParts(context.Context) (PartIterator, error) {
	return IterateParts(s.Parts...), nil
}

// Close is a no-op
func (s StaticSource) Close() error { return nil }
