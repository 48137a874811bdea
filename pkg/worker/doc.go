// Package worker provides a generic worker pool over a bounded queue.
//
// A Pool runs a fixed number of goroutines that take work items from a
// buffered channel. Two submission modes cover the two backpressure
// policies a caller can pick:
//
//   - Submit never blocks and returns ErrQueueFull when the queue is at capacity
//   - SubmitWait blocks until there is room, the context ends, or the pool stops
//
// Stop is cooperative: workers finish the item they are processing and exit.
// Items still in the queue are not processed; callers that need them must
// track them elsewhere (the dispatcher keeps them in its flow store).
//
// A panic inside the processor is recovered, counted as a failure and passed
// to the optional panic handler. A worker never dies because of one item.
//
// Statistics are always tracked with atomics; Prometheus metrics are enabled
// with WithMetricsRegistry.
package worker
