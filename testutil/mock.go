package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/transfer"
)

// MockBackend is a scriptable transfer.Backend that records its calls
type MockBackend struct {
	mu sync.Mutex

	BackendName  string
	CanHandleFn  func(req flow.Request) bool
	ValidateFn   func(req flow.Request) transfer.Result
	TransferFn   func(ctx context.Context, req flow.Request) transfer.Result
	CanHandleCnt int
	Transferred  []flow.Request
}

// NewMockBackend returns a backend that accepts requests whose source type
// is addrType and always succeeds.
func NewMockBackend(name, addrType string) *MockBackend {
	return &MockBackend{
		BackendName: name,
		CanHandleFn: func(req flow.Request) bool {
			return req.SourceAddress().Type() == addrType
		},
	}
}

// Name returns the backend name
func (m *MockBackend) Name() string { return m.BackendName }

// CanHandle calls CanHandleFn
func (m *MockBackend) CanHandle(req flow.Request) bool {
	m.mu.Lock()
	m.CanHandleCnt++
	fn := m.CanHandleFn
	m.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn(req)
}

// Validate calls ValidateFn or succeeds
func (m *MockBackend) Validate(req flow.Request) transfer.Result {
	if m.ValidateFn != nil {
		return m.ValidateFn(req)
	}
	return transfer.Success()
}

// Transfer records the request and calls TransferFn or succeeds
func (m *MockBackend) Transfer(ctx context.Context, req flow.Request) transfer.Result {
	m.mu.Lock()
	m.Transferred = append(m.Transferred, req)
	fn := m.TransferFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return transfer.Success()
}

// Transfers returns the number of Transfer calls
func (m *MockBackend) Transfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Transferred)
}

// MemoryDestination is a PartWriter that stores written parts in memory.
// FailOn makes writes of matching part names fail with the given message.
type MemoryDestination struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   int

	FailOn map[string]string
}

// NewMemoryDestination returns an empty destination
func NewMemoryDestination() *MemoryDestination {
	return &MemoryDestination{objects: make(map[string][]byte)}
}

// WriteParts copies each part into memory in order
func (d *MemoryDestination) WriteParts(ctx context.Context, parts []transfer.Part) transfer.Result {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	for _, part := range parts {
		if msg, ok := d.FailOn[part.Name()]; ok {
			return transfer.Failure(transfer.StatusErrorRetry, msg)
		}
		if err := d.copy(ctx, part); err != nil {
			return transfer.Failuref(transfer.StatusErrorRetry, "write %s: %v", part.Name(), err)
		}
	}
	return transfer.Success()
}

func (d *MemoryDestination) copy(ctx context.Context, part transfer.Part) error {
	rc, err := part.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.objects[part.Name()] = data
	d.mu.Unlock()
	return nil
}

// Object returns a stored object
func (d *MemoryDestination) Object(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.objects[name]
	return data, ok
}

// Len returns the number of stored objects
func (d *MemoryDestination) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

// Calls returns the number of WriteParts invocations
func (d *MemoryDestination) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// FailingSource fails to open its parts
type FailingSource struct {
	Err    error
	Closed bool
}

// OpenParts returns Err
func (s *FailingSource) OpenParts(context.Context) (transfer.PartIterator, error) {
	if s.Err == nil {
		return nil, ErrMockFailed
	}
	return nil, s.Err
}

// Close marks the source closed
func (s *FailingSource) Close() error {
	s.Closed = true
	return nil
}

// TrackingPart counts how often its stream is opened and closed
type TrackingPart struct {
	PartName string
	Data     []byte

	mu     sync.Mutex
	opened int
	closed int
}

// Name returns the part name
func (p *TrackingPart) Name() string { return p.PartName }

// Open returns a stream that records its Close
func (p *TrackingPart) Open(context.Context) (io.ReadCloser, error) {
	p.mu.Lock()
	p.opened++
	p.mu.Unlock()
	return &trackingReader{part: p, data: p.Data}, nil
}

// Balanced reports whether every opened stream has been closed
func (p *TrackingPart) Balanced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened == p.closed
}

type trackingReader struct {
	part *TrackingPart
	data []byte
	off  int
}

func (r *trackingReader) Read(b []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(b, r.data[r.off:])
	r.off += n
	return n, nil
}

func (r *trackingReader) Close() error {
	r.part.mu.Lock()
	r.part.closed++
	r.part.mu.Unlock()
	return nil
}

// MockError is a generic error for testing error paths.
type MockError struct {
	Message string
	Code    string
}

func (e *MockError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Common test errors
var (
	ErrMockFailed     = errors.New("mock operation failed")
	ErrMockConnection = errors.New("mock connection error")
)
