// Package file moves data between flow requests and the local filesystem.
//
// A File source address names a file or a directory in its "path" property;
// a directory yields one part per regular file, in name order. A File
// destination names a directory; every part is written to a file of the same
// name inside it, through a temporary file renamed into place.
package file

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/transfer"
)

// Type is the data address type handled by this package
const Type = "File"

// PathProperty names the file or directory of an address
const PathProperty = "path"

// SourceFactory creates file sources
type SourceFactory struct{}

// NewSourceFactory returns a file source factory
func NewSourceFactory() *SourceFactory { return &SourceFactory{} }

// CanHandle reports whether the source address is a File address
func (f *SourceFactory) CanHandle(req flow.Request) bool {
	return req.SourceAddress().Type() == Type
}

// Validate checks the source path property
func (f *SourceFactory) Validate(req flow.Request) transfer.Result {
	return transfer.ValidationResult(transfer.RequireProperties(req.SourceAddress(), "source", PathProperty))
}

// CreateSource returns a source over the request's path
func (f *SourceFactory) CreateSource(req flow.Request) (transfer.Source, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("file.SourceFactory", res)
	}
	return &Source{path: req.SourceAddress().Property(PathProperty)}, nil
}

// Source yields the file, or the regular files of the directory, at path
type Source struct {
	path string
}

// NewSource returns a source over path
func NewSource(path string) *Source { return &Source{path: path} }

// OpenParts lists the parts. Files are opened only when a part is read.
func (s *Source) OpenParts(context.Context) (transfer.PartIterator, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, classify(err, "OpenParts", "stat source")
	}
	if !info.IsDir() {
		return transfer.IterateParts(filePart(filepath.Base(s.path), s.path)), nil
	}

	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, classify(err, "OpenParts", "read source directory")
	}
	parts := make([]transfer.Part, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			parts = append(parts, filePart(e.Name(), filepath.Join(s.path, e.Name())))
		}
	}
	return transfer.IterateParts(parts...), nil
}

// Close is a no-op; part streams are closed by their readers
func (s *Source) Close() error { return nil }

func filePart(name, path string) transfer.Part {
	return transfer.NewPart(name, func(context.Context) (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, classify(err, "Open", "open part")
		}
		return f, nil
	})
}

// SinkFactory creates partitioned file sinks
type SinkFactory struct {
	opts []transfer.SinkOption
}

// NewSinkFactory returns a sink factory. opts configure the partitioned sink.
func NewSinkFactory(opts ...transfer.SinkOption) *SinkFactory {
	return &SinkFactory{opts: opts}
}

// CanHandle reports whether the destination address is a File address
func (f *SinkFactory) CanHandle(req flow.Request) bool {
	return req.DestinationAddress().Type() == Type
}

// Validate checks the destination path property
func (f *SinkFactory) Validate(req flow.Request) transfer.Result {
	return transfer.ValidationResult(transfer.RequireProperties(req.DestinationAddress(), "destination", PathProperty))
}

// CreateSink returns a partitioned sink writing into the destination directory
func (f *SinkFactory) CreateSink(req flow.Request) (transfer.Sink, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("file.SinkFactory", res)
	}
	return NewSink(req.DestinationAddress().Property(PathProperty), f.opts...), nil
}

// NewSink returns a partitioned sink writing parts into dir
func NewSink(dir string, opts ...transfer.SinkOption) *transfer.PartitionedSink {
	return transfer.NewPartitionedSink(transfer.EachPart(func(_ context.Context, name string, r io.Reader) error {
		return writeFile(dir, name, r)
	}), opts...)
}

func writeFile(dir, name string, r io.Reader) error {
	if !filepath.IsLocal(name) {
		return errors.WrapFatal(fmt.Errorf("%w: part name %q escapes destination", errors.ErrInvalidData, name),
			"file", "WritePart", "resolve target")
	}
	target := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return classify(err, "WritePart", "create destination directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return classify(err, "WritePart", "create temporary file")
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.WrapTransient(err, "file", "WritePart", "copy part")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "file", "WritePart", "close temporary file")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return classify(err, "WritePart", "rename into place")
	}
	committed = true
	return nil
}

// classify maps filesystem errors: missing files and permissions cannot be
// fixed by retrying, the rest may be.
func classify(err error, method, action string) error {
	switch {
	case stderrors.Is(err, fs.ErrNotExist), stderrors.Is(err, fs.ErrPermission):
		return errors.WrapFatal(err, "file", method, action)
	default:
		return errors.WrapTransient(err, "file", method, action)
	}
}

// NewBackend returns a backend moving File sources into File destinations
func NewBackend(logger *slog.Logger, opts ...transfer.SinkOption) *transfer.PipelineBackend {
	return transfer.NewPipelineBackend("file",
		[]transfer.SourceFactory{NewSourceFactory()},
		[]transfer.SinkFactory{NewSinkFactory(opts...)},
		logger)
}

var (
	_ transfer.SourceFactory = (*SourceFactory)(nil)
	_ transfer.SinkFactory   = (*SinkFactory)(nil)
)
