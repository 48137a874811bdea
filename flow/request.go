package flow

import (
	"fmt"
	"maps"
	"strings"

	"github.com/c360/dataplane/errors"
)

// Request identifies one transfer. It is built once and never mutated; a
// retry enqueues the same value again.
type Request struct {
	id          string
	processID   string
	source      DataAddress
	destination DataAddress
	properties  map[string]string
	trackable   bool
}

// Option configures optional Request fields
type Option func(*Request)

// WithProcessID sets the owning process. Defaults to the request ID.
func WithProcessID(processID string) Option {
	return func(r *Request) { r.processID = processID }
}

// WithProperties sets request-level properties. The map is copied.
func WithProperties(props map[string]string) Option {
	return func(r *Request) { r.properties = maps.Clone(props) }
}

// WithTrackable marks the request as trackable
func WithTrackable(trackable bool) Option {
	return func(r *Request) { r.trackable = trackable }
}

// NewRequest builds a request and validates it
func NewRequest(id string, source, destination DataAddress, opts ...Option) (Request, error) {
	r := Request{id: id, source: source, destination: destination}
	for _, opt := range opts {
		opt(&r)
	}
	if r.processID == "" {
		r.processID = r.id
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// ID returns the request identifier
func (r Request) ID() string { return r.id }

// ProcessID returns the owning process identifier; the flow store key
func (r Request) ProcessID() string { return r.processID }

// SourceAddress returns the source data address
func (r Request) SourceAddress() DataAddress { return r.source }

// DestinationAddress returns the destination data address
func (r Request) DestinationAddress() DataAddress { return r.destination }

// Properties returns a copy of the request-level properties
func (r Request) Properties() map[string]string { return maps.Clone(r.properties) }

// Property returns a request-level property, or "" when absent
func (r Request) Property(key string) string { return r.properties[key] }

// Trackable reports whether progress should be persisted and observable
func (r Request) Trackable() bool { return r.trackable }

// Validate checks the structural invariants of a request: id, process id and
// both addresses are required.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.id) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.processID) == "" {
		missing = append(missing, "processId")
	}
	if r.source.IsZero() {
		missing = append(missing, "sourceDataAddress")
	}
	if r.destination.IsZero() {
		missing = append(missing, "destinationDataAddress")
	}
	if len(missing) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing %s", errors.ErrInvalidRequest, strings.Join(missing, ", ")),
			"Request", "Validate", "validate flow request")
	}
	return nil
}

// Equal compares two requests by value
func (r Request) Equal(o Request) bool {
	return r.id == o.id &&
		r.processID == o.processID &&
		r.trackable == o.trackable &&
		r.source.Equal(o.source) &&
		r.destination.Equal(o.destination) &&
		maps.Equal(r.properties, o.properties)
}

// String renders a short description for logs
func (r Request) String() string {
	return fmt.Sprintf("%s[%s] %s -> %s", r.id, r.processID, r.source.typ, r.destination.typ)
}
