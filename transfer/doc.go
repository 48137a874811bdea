// Package transfer holds the contracts shared by the dispatcher and the
// backends: transfer results, parts and sources, the backend capability
// registry with its selection strategy, source and sink factories, and the
// partitioned sink that writes large payloads in parallel.
//
// A backend is picked per request in two steps. The registry yields every
// registered backend in registration order; Capable narrows that sequence to
// backends whose CanHandle accepts the request; a SelectionStrategy chooses
// one of the remaining candidates. SelectFirst makes precedence a pure
// function of registration order.
//
// Backends never return Go errors from Transfer. Failures travel as Result
// values with status ERROR_RETRY (transient) or FATAL_ERROR, and panics are
// converted to results at the partitioned sink and pipeline boundaries.
package transfer
