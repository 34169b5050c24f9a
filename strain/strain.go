// Package strain defines the external adjustment signal that modulates the
// engine's maintenance aggressiveness.
//
// A host system reports its current cognitive strain, how loaded or
// degraded it is, through a Provider. Consolidation and decay read the
// signal once per maintenance cycle as a snapshot: higher strain raises
// consolidation thresholds and speeds decay to shed load, while a critical
// state suspends consolidation and caps decay so maintenance cannot make a
// bad situation worse.
package strain

import (
	"context"
	"errors"
	"fmt"
)

// State describes the reporting component's condition, in increasing order
// of severity.
type State string

const (
	// StateNormal indicates nominal operation.
	StateNormal State = "normal"

	// StateStrained indicates elevated load with full functionality.
	StateStrained State = "strained"

	// StateFatigued indicates sustained load beginning to degrade
	// responsiveness.
	StateFatigued State = "fatigued"

	// StateImpaired indicates significant degradation.
	StateImpaired State = "impaired"

	// StateCritical indicates the component is barely functional.
	// Maintenance routines observe this state and stand down.
	StateCritical State = "critical"
)

// ErrInvalidState is returned when a State value is not recognized.
var ErrInvalidState = errors.New("strain: invalid state")

// IsValid returns true if the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StateNormal, StateStrained, StateFatigued, StateImpaired, StateCritical:
		return true
	default:
		return false
	}
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Validate returns an error if the state is not valid.
func (s State) Validate() error {
	if !s.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return nil
}

// Factor bounds. Signals outside this range are clamped before use so a
// misbehaving provider cannot freeze or churn the tiers.
const (
	MinFactor = 0.5
	MaxFactor = 2.0
)

// Signal is a snapshot of external strain. Factor multiplies consolidation
// thresholds and decay rates: 1.0 is neutral, above 1.0 raises the bar for
// promotion and speeds forgetting.
type Signal struct {
	State  State   `json:"state"`
	Factor float64 `json:"factor"`
}

// Nominal returns the neutral signal: normal state, factor 1.0.
func Nominal() Signal {
	return Signal{State: StateNormal, Factor: 1.0}
}

// Critical reports whether maintenance should stand down this cycle.
func (s Signal) Critical() bool {
	return s.State == StateCritical
}

// Clamped returns a copy with the factor forced into [MinFactor, MaxFactor]
// and an invalid or empty state replaced by normal.
func (s Signal) Clamped() Signal {
	out := s
	if !out.State.IsValid() {
		out.State = StateNormal
	}
	switch {
	case out.Factor < MinFactor:
		out.Factor = MinFactor
	case out.Factor > MaxFactor:
		out.Factor = MaxFactor
	}
	return out
}

// Provider reports the current strain for a component. Implementations are
// consulted once per maintenance cycle per tier; the result is treated as
// a snapshot, never a subscription.
type Provider interface {
	CurrentStrain(ctx context.Context, component string) (Signal, error)
}

// Static is a Provider returning a fixed signal. It is the default
// provider and useful in tests.
type Static struct {
	Signal Signal
}

// CurrentStrain returns the fixed signal.
func (s Static) CurrentStrain(ctx context.Context, component string) (Signal, error) {
	return s.Signal, nil
}

// Func adapts a function to the Provider interface.
type Func func(ctx context.Context, component string) (Signal, error)

// CurrentStrain calls the wrapped function.
func (f Func) CurrentStrain(ctx context.Context, component string) (Signal, error) {
	return f(ctx, component)
}
