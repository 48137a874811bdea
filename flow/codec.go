package flow

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/dataplane/errors"
)

//go:embed request.schema.json
var requestSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(requestSchema))
	})
	return compiledSchema, schemaErr
}

// Schema returns the JSON schema describing the wire format of a Request
func Schema() []byte {
	out := make([]byte, len(requestSchema))
	copy(out, requestSchema)
	return out
}

type wireAddress struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
	KeyName    string            `json:"keyName,omitempty"`
}

type wireRequest struct {
	ID          string            `json:"id"`
	ProcessID   string            `json:"processId,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Source      wireAddress       `json:"sourceDataAddress"`
	Destination wireAddress       `json:"destinationDataAddress"`
	Trackable   bool              `json:"trackable"`
}

func (a DataAddress) wire() wireAddress {
	return wireAddress{Type: a.typ, Properties: a.Properties(), KeyName: a.keyName}
}

func (w wireAddress) address() DataAddress {
	return NewDataAddress(w.Type, w.Properties).WithKeyName(w.KeyName)
}

// MarshalJSON encodes the address in wire form
func (a DataAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.wire())
}

// UnmarshalJSON decodes the address from wire form
func (a *DataAddress) UnmarshalJSON(data []byte) error {
	var w wireAddress
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = w.address()
	return nil
}

// MarshalJSON encodes the request in wire form
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{
		ID:          r.id,
		ProcessID:   r.processID,
		Properties:  r.Properties(),
		Source:      r.source.wire(),
		Destination: r.destination.wire(),
		Trackable:   r.trackable,
	})
}

// UnmarshalJSON decodes the request without schema or field checks.
// It is used when reading back persisted requests; use Decode for input.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = w.request()
	return nil
}

func (w wireRequest) request() Request {
	r := Request{
		id:          w.ID,
		processID:   w.ProcessID,
		source:      w.Source.address(),
		destination: w.Destination.address(),
		trackable:   w.Trackable,
	}
	if len(w.Properties) > 0 {
		r.properties = w.Properties
	}
	if r.processID == "" {
		r.processID = r.id
	}
	return r
}

// Decode parses untrusted JSON into a Request. The document is checked
// against the request schema and the request invariants; every violation is
// reported as an invalid error.
func Decode(data []byte) (Request, error) {
	schema, err := loadSchema()
	if err != nil {
		return Request{}, errors.WrapFatal(err, "flow", "Decode", "load request schema")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Request{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "flow", "Decode", "parse request")
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return Request{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidRequest, strings.Join(problems, "; ")),
			"flow", "Decode", "validate request schema")
	}

	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, errors.WrapInvalid(err, "flow", "Decode", "unmarshal request")
	}

	r := w.request()
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}
