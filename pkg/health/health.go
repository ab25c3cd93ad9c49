// Package health exposes the management core's operator-facing
// liveness concerns: is the state store still able to persist, and is
// the catalog session up. A single Aggregator snapshot is either
// healthy or it names what isn't.
package health

import (
	"context"
	"time"
)

// Result is the outcome of one health check.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is a single named probe the aggregator runs.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a plain function to a Checker.
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Report is the aggregate liveness/readiness snapshot served by the
// operator-facing probe.
type Report struct {
	Healthy   bool              `json:"healthy"`
	CheckedAt time.Time         `json:"checkedAt"`
	Checks    map[string]Result `json:"checks"`
}

// Aggregator runs a fixed set of named checkers and folds their
// results into a single process-wide Report.
type Aggregator struct {
	checkers map[string]Checker
}

// NewAggregator builds an aggregator over the given named checkers.
func NewAggregator(checkers map[string]Checker) *Aggregator {
	cp := make(map[string]Checker, len(checkers))
	for name, c := range checkers {
		cp[name] = c
	}
	return &Aggregator{checkers: cp}
}

// Check runs every registered checker and returns the combined report.
// A checker's context should already carry any deadline the caller
// wants enforced; Check does not impose one of its own.
func (a *Aggregator) Check(ctx context.Context) Report {
	report := Report{
		Healthy:   true,
		CheckedAt: time.Now(),
		Checks:    make(map[string]Result, len(a.checkers)),
	}

	for name, checker := range a.checkers {
		result := checker.Check(ctx)
		report.Checks[name] = result
		if !result.Healthy {
			report.Healthy = false
		}
	}

	return report
}
