// Package flow defines the flow request: the immutable value naming one data
// transfer from a source data address to a destination data address.
//
// Requests arrive as JSON on the control surface:
//
//	{
//	  "id": "2f6a...",
//	  "processId": "proc-42",
//	  "properties": {"method": "GET"},
//	  "sourceDataAddress": {"type": "HttpData", "properties": {"baseUrl": "http://src"}},
//	  "destinationDataAddress": {"type": "File", "properties": {"path": "/data/out"}},
//	  "trackable": true
//	}
//
// Decode checks the document against an embedded JSON schema before building
// the Request, so malformed input is rejected before it reaches a dispatcher.
package flow
