// Package policy defines the per-operation attempt budgets the admission
// engine enforces. A Set is built once at startup, validated, and never
// mutated afterwards.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Errors
var (
	ErrInvalidPolicy = errors.New("policy: invalid")
	ErrEmptySet      = errors.New("policy: no operations configured")
)

// Well-known operation types shipped with the default set.
const (
	OpLogin          = "login"
	OpForgotPassword = "forgot-password"
	OpRegister       = "register"
	OpResetPassword  = "reset-password"
	OpBooking        = "booking"
	OpChat           = "chat"
	OpReview         = "review"
	OpGeneral        = "general"
)

// Policy is the attempt budget for one operation type.
type Policy struct {
	// MaxAttempts allowed inside one window.
	MaxAttempts int
	// Window is the span the budget applies to.
	Window time.Duration
	// AutoReset fully forgives an exhausted budget once this much time has
	// passed since the window started.
	AutoReset time.Duration
	// WindowScoped additionally zeroes the count whenever Window elapses,
	// independent of AutoReset.
	WindowScoped bool
}

// Validate checks the budget is usable. AutoReset shorter than Window is
// rejected: it would reset quota before the window closes.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts <= 0:
		return fmt.Errorf("%w: maxAttempts must be > 0, got %d", ErrInvalidPolicy, p.MaxAttempts)
	case p.Window < time.Second:
		return fmt.Errorf("%w: window must be at least 1s, got %s", ErrInvalidPolicy, p.Window)
	case p.AutoReset < p.Window:
		return fmt.Errorf("%w: autoReset (%s) must be >= window (%s)", ErrInvalidPolicy, p.AutoReset, p.Window)
	}
	return nil
}

// Set maps operation types to policies. The zero value is an empty set.
type Set struct {
	policies map[string]Policy
}

// NewSet validates every entry and returns an immutable Set.
func NewSet(policies map[string]Policy) (Set, error) {
	if len(policies) == 0 {
		return Set{}, ErrEmptySet
	}
	copied := make(map[string]Policy, len(policies))
	for op, p := range policies {
		name := strings.TrimSpace(op)
		if name == "" {
			return Set{}, fmt.Errorf("%w: empty operation name", ErrInvalidPolicy)
		}
		if err := p.Validate(); err != nil {
			return Set{}, fmt.Errorf("operation %q: %w", name, err)
		}
		copied[name] = p
	}
	return Set{policies: copied}, nil
}

// Defaults returns the stock budgets.
func Defaults() Set {
	s, err := NewSet(map[string]Policy{
		OpLogin:          {MaxAttempts: 5, Window: 30 * time.Second, AutoReset: time.Hour},
		OpForgotPassword: {MaxAttempts: 3, Window: 5 * time.Minute, AutoReset: 30 * time.Minute},
		OpRegister:       {MaxAttempts: 2, Window: 5 * time.Minute, AutoReset: 30 * time.Minute},
		OpResetPassword:  {MaxAttempts: 3, Window: 5 * time.Minute, AutoReset: 30 * time.Minute},
		OpBooking:        {MaxAttempts: 10, Window: time.Minute, AutoReset: 5 * time.Minute, WindowScoped: true},
		OpChat:           {MaxAttempts: 30, Window: time.Minute, AutoReset: 5 * time.Minute, WindowScoped: true},
		OpReview:         {MaxAttempts: 3, Window: 5 * time.Minute, AutoReset: 30 * time.Minute, WindowScoped: true},
		OpGeneral:        {MaxAttempts: 100, Window: time.Minute, AutoReset: time.Minute, WindowScoped: true},
	})
	if err != nil {
		panic("policy: invalid defaults: " + err.Error())
	}
	return s
}

// Lookup returns the policy for op.
func (s Set) Lookup(op string) (Policy, bool) {
	p, ok := s.policies[op]
	return p, ok
}

// Operations returns the configured operation types in sorted order.
func (s Set) Operations() []string {
	ops := make([]string, 0, len(s.policies))
	for op := range s.policies {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Len returns the number of configured operation types.
func (s Set) Len() int { return len(s.policies) }
