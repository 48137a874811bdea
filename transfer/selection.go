package transfer

import (
	"iter"

	"github.com/c360/dataplane/flow"
)

// SelectionStrategy chooses one backend among candidates that already
// accepted the request.
type SelectionStrategy interface {
	Choose(req flow.Request, candidates iter.Seq[Backend]) (Backend, bool)
}

// StrategyFunc adapts a function into a SelectionStrategy
type StrategyFunc func(req flow.Request, candidates iter.Seq[Backend]) (Backend, bool)

// Choose calls f
func (f StrategyFunc) Choose(req flow.Request, candidates iter.Seq[Backend]) (Backend, bool) {
	return f(req, candidates)
}

// SelectFirst returns the strategy that picks the first candidate
func SelectFirst() SelectionStrategy {
	return StrategyFunc(func(_ flow.Request, candidates iter.Seq[Backend]) (Backend, bool) {
		for b := range candidates {
			return b, true
		}
		return nil, false
	})
}

// Capable lazily filters backends down to those whose CanHandle accepts req
func Capable(req flow.Request, backends iter.Seq[Backend]) iter.Seq[Backend] {
	return func(yield func(Backend) bool) {
		for b := range backends {
			if b.CanHandle(req) && !yield(b) {
				return
			}
		}
	}
}

// Select resolves a backend for req from the registry using strategy
func Select(req flow.Request, registry *Registry, strategy SelectionStrategy) (Backend, bool) {
	return strategy.Choose(req, Capable(req, registry.Backends()))
}
