// Package breaker provides per-dependency circuit breaking for the bridge's
// outbound calls (KMS, database, external APIs).
//
// The state machine is sony/gobreaker; this package layers on the Sentinel
// profiles, per-call timeouts, and a synchronous observer interface so state
// transitions are orderable in tests and telemetry.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// dependency. Callers may retry after the open timeout.
var ErrOpen = errors.New("breaker: open")

// State mirrors the breaker states in wire-friendly form.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Observer receives state transitions synchronously, in transition order.
type Observer interface {
	StateChange(name string, from, to State)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(name string, from, to State)

func (f ObserverFunc) StateChange(name string, from, to State) { f(name, from, to) }

// Profile tunes a breaker for a class of dependency.
type Profile struct {
	// FailureThreshold trips the breaker on this many consecutive failures.
	FailureThreshold uint32
	// VolumeThreshold and ErrorThresholdPct trip on error rate once the
	// rolling window has enough requests.
	VolumeThreshold   uint32
	ErrorThresholdPct float64
	// SuccessThreshold is the number of successive half-open probes that
	// must succeed before the breaker closes.
	SuccessThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// RequestTimeout bounds each call; a timeout counts as a failure.
	RequestTimeout time.Duration
}

// Predefined profiles. KMS is strict (signing is on the hot path), the
// critical profile trips fastest and stays open longest.
var (
	ProfileKMS = Profile{
		FailureThreshold:  3,
		VolumeThreshold:   10,
		ErrorThresholdPct: 50,
		SuccessThreshold:  2,
		OpenTimeout:       10 * time.Second,
		RequestTimeout:    2 * time.Second,
	}
	ProfileDatabase = Profile{
		FailureThreshold:  5,
		VolumeThreshold:   20,
		ErrorThresholdPct: 50,
		SuccessThreshold:  3,
		OpenTimeout:       5 * time.Second,
		RequestTimeout:    3 * time.Second,
	}
	ProfileExternalAPI = Profile{
		FailureThreshold:  5,
		VolumeThreshold:   20,
		ErrorThresholdPct: 60,
		SuccessThreshold:  3,
		OpenTimeout:       15 * time.Second,
		RequestTimeout:    5 * time.Second,
	}
	ProfileCritical = Profile{
		FailureThreshold:  2,
		VolumeThreshold:   5,
		ErrorThresholdPct: 30,
		SuccessThreshold:  3,
		OpenTimeout:       30 * time.Second,
		RequestTimeout:    1 * time.Second,
	}
)

// Breaker isolates one dependency.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	observers []Observer
}

// New creates a breaker for the named dependency with the given profile.
func New(name string, p Profile) *Breaker {
	b := &Breaker{name: name, timeout: p.RequestTimeout}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: p.SuccessThreshold,
		Timeout:     p.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= p.FailureThreshold {
				return true
			}
			if counts.Requests >= p.VolumeThreshold {
				rate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
				return rate >= p.ErrorThresholdPct
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.notify(fromGobreaker(from), fromGobreaker(to))
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Subscribe registers an observer for state transitions.
func (b *Breaker) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *Breaker) notify(from, to State) {
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()
	for _, o := range observers {
		o.StateChange(b.name, from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Do runs fn under the breaker with the profile's request timeout. When the
// breaker is open the dependency is not invoked and ErrOpen is returned.
// A timed-out fn counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() { done <- fn(callCtx) }()

		select {
		case err := <-done:
			return nil, err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	return err
}

// Registry is a read-mostly set of breakers keyed by dependency name.
// Lookups take a read lock only; registration copies on write.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds (or replaces) the breaker for a dependency.
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*Breaker, len(r.breakers)+1)
	for k, v := range r.breakers {
		next[k] = v
	}
	next[b.name] = b
	r.breakers = next
}

// Get returns the breaker for a dependency, or nil.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Names lists registered dependencies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		names = append(names, k)
	}
	return names
}
