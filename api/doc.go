// Package api exposes the dispatcher over HTTP.
//
// Routes:
//
//	POST /api/v1/transfers              enqueue a flow request (202)
//	POST /api/v1/transfers/validate     validate a flow request against the backends
//	POST /api/v1/transfers/pull         stream the request's source into the response
//	GET  /api/v1/transfers/{processId}  stored state of a transfer
//	GET  /api/v1/transfers/events       websocket stream of transfer events
//	GET  /health                        aggregated health
//	GET  /metrics                       Prometheus metrics
//
// Errors are JSON objects {"error": message, "status": code}. Invalid requests
// map to 400, unknown process ids to 404, rate limiting to 429 and a full or
// stopped queue to 503.
package api
