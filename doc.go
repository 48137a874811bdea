// Package dataplane is the transfer dispatch engine of a data-plane connector.
//
// A flow request names a source data address and a destination data address.
// The dispatcher records each request in a flow store, queues it, and lets a
// bounded pool of workers hand it to the first registered backend that can
// serve both addresses. Backends read the source as a sequence of parts and
// write them through a partitioned sink, so a failing part never hides the
// outcome of the others. Every outcome is persisted as COMPLETED, or as a
// failure that is either retryable or fatal.
//
// # Layout
//
//	flow/        flow requests, data addresses and their wire codec
//	transfer/    results, parts, sources, sinks, backend registry and selection
//	flowstore/   in-memory and NATS KV flow stores with lease tokens
//	dispatcher/  queue, worker pool, recovery and backpressure
//	backend/     File, HttpData, AmazonS3 and NATS object store families
//	events/      transfer lifecycle events and their NATS publisher
//	api/         control API, live event stream, pull transfers
//	config/      layered JSON/YAML configuration with DATAPLANE_ overrides
//	cmd/dataplane the composition root
//
// Supporting packages: errors (classified errors), metric (Prometheus),
// health, natsclient, pkg/worker, pkg/retry, pkg/tlsutil and pkg/security.
//
// # Quick Start
//
//	dataplane validate --config configs/dataplane.yaml
//	dataplane serve --config configs/dataplane.yaml
//
//	curl -X POST localhost:8181/api/v1/transfers -d @request.json
//	curl localhost:8181/api/v1/transfers/<processId>
package dataplane
