package framework

import (
	"context"
	"sync"
)

type signalContextKey struct{}

// Signal collects the structured decision a tier run produces through its
// signal tools. One Signal lives for exactly one run.
type Signal struct {
	mu       sync.Mutex
	decision Decision
	reason   string
}

// Set records a decision. A final report request outranks an escalation.
func (s *Signal) Set(d Decision, reason string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decision == DecisionFinalReport && d != DecisionFinalReport {
		return
	}
	s.decision = d
	s.reason = reason
}

// Decision returns the recorded decision, DecisionNone when nothing was set.
func (s *Signal) Decision() (Decision, string) {
	if s == nil {
		return DecisionNone, ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decision == "" {
		return DecisionNone, s.reason
	}
	return s.decision, s.reason
}

// WithSignal attaches a run-scoped signal.
func WithSignal(ctx context.Context, s *Signal) context.Context {
	return context.WithValue(ctx, signalContextKey{}, s)
}

// SignalFrom returns the run-scoped signal or nil.
func SignalFrom(ctx context.Context) *Signal {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(signalContextKey{}).(*Signal)
	return s
}
