// Package config loads the dataplane configuration.
//
// Configuration is built in layers with last-wins semantics: compiled-in
// defaults, then any number of JSON or YAML files, then environment
// overrides prefixed with DATAPLANE_.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Layers merge as maps, so a layer only overrides the keys it names:
//
//	base.yaml:
//	  dispatcher: {workers: 8, queue_capacity: 500}
//
//	production.json:
//	  {"dispatcher": {"workers": 16}}
//
//	Result:
//	  dispatcher: {workers: 16, queue_capacity: 500}
//
// Durations accept Go duration strings, a day suffix ("14d") or integer
// nanoseconds.
//
// # Environment Variable Overrides
//
//	DATAPLANE_INSTANCE_ID
//	DATAPLANE_STORE_MODE, DATAPLANE_STORE_BUCKET
//	DATAPLANE_NATS_URLS (comma-separated), DATAPLANE_NATS_USERNAME,
//	DATAPLANE_NATS_PASSWORD, DATAPLANE_NATS_TOKEN, DATAPLANE_NATS_EVENT_SUBJECT
//	DATAPLANE_API_ADDR
//	DATAPLANE_DISPATCHER_WORKERS, DATAPLANE_DISPATCHER_QUEUE_CAPACITY,
//	DATAPLANE_DISPATCHER_BACKPRESSURE
//	DATAPLANE_PARTITION_SIZE
//	DATAPLANE_METRICS_PORT
//
// # Security
//
// Layer files are limited to 10MB, JSON nesting to 100 levels, and relative
// paths may not resolve outside the working directory.
package config
