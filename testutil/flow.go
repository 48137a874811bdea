package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/transfer"
)

// Address types used by fakes
const (
	MemoryType = "Memory"
	OtherType  = "Other"
)

var requestSeq int64

// NewRequest builds a valid Memory -> Memory request with a unique id
func NewRequest(t testing.TB, opts ...flow.Option) flow.Request {
	t.Helper()
	return NewTypedRequest(t, MemoryType, MemoryType, opts...)
}

// NewTypedRequest builds a valid request between the given address types
func NewTypedRequest(t testing.TB, srcType, dstType string, opts ...flow.Option) flow.Request {
	t.Helper()
	id := fmt.Sprintf("req-%d", atomic.AddInt64(&requestSeq, 1))
	req, err := flow.NewRequest(id,
		flow.NewDataAddress(srcType, map[string]string{"name": "src"}),
		flow.NewDataAddress(dstType, map[string]string{"name": "dst"}),
		opts...)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

// Parts builds n in-memory parts named part-0..part-(n-1)
func Parts(n int) []transfer.Part {
	parts := make([]transfer.Part, n)
	for i := range parts {
		parts[i] = transfer.BytesPart{
			PartName: fmt.Sprintf("part-%d", i),
			Data:     []byte(fmt.Sprintf("payload %d", i)),
		}
	}
	return parts
}

// HelloWorldSource is a one-part source with content "hello world"
func HelloWorldSource() transfer.Source {
	return transfer.StaticSource{Parts: []transfer.Part{
		transfer.BytesPart{PartName: "hello.txt", Data: []byte("hello world")},
	}}
}
