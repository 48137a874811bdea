package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Checker reports the current health of one component
type Checker interface {
	Name() string
	Check(ctx context.Context) Status
}

// CheckFunc adapts a function to a Checker
type CheckFunc struct {
	Component string
	Fn        func(ctx context.Context) Status
}

// Name implements Checker
func (c CheckFunc) Name() string { return c.Component }

// Check implements Checker
func (c CheckFunc) Check(ctx context.Context) Status { return c.Fn(ctx) }

// Monitor runs registered checkers and aggregates their results
type Monitor struct {
	system  string
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewMonitor returns a monitor for the named system. Each checker gets at
// most timeout to answer.
func NewMonitor(system string, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{system: system, timeout: timeout, checkers: make(map[string]Checker)}
}

// Register adds or replaces a checker
func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Components lists registered checker names in order
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Check runs every checker concurrently and aggregates the results.
// A checker that panics or does not answer in time is unhealthy.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.run(ctx, c)
		}()
	}
	wg.Wait()

	slices.SortFunc(results, func(a, b Status) int {
		switch {
		case a.Component < b.Component:
			return -1
		case a.Component > b.Component:
			return 1
		}
		return 0
	})
	return Aggregate(m.system, results)
}

func (m *Monitor) run(ctx context.Context, c Checker) (status Status) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Unhealthy(c.Name(), fmt.Sprintf("health check panicked: %v", r))
			}
		}()
		done <- c.Check(ctx)
	}()

	select {
	case status = <-done:
	case <-ctx.Done():
		status = Unhealthy(c.Name(), "health check timed out")
	}
	status.Component = c.Name()
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}
