// Package testutil provides fakes shared by the data plane tests: a scriptable
// backend, an in-memory destination for partitioned sinks, request builders
// and an in-memory publisher standing in for NATS.
package testutil
