// Package resilience provides the failure-isolation primitives for the
// runtime's outbound calls: a three-state [CircuitBreaker], a [BreakerSet]
// that trips per key (webhook host, provider endpoint), capped exponential
// [Backoff] for the reconcile queue, and [FallbackGroup] for ordered
// failover across alternative implementations of the same interface.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when calls are being
// rejected without reaching the protected function.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Defaults applied by [NewCircuitBreaker] for zero-valued config fields.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker rejects calls before
	// letting probes through.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful
	// probes required to close again.
	HalfOpenMax int
}

// State represents the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects all calls with [ErrCircuitOpen].
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after MaxFailures consecutive errors, rejects calls
// for ResetTimeout, then probes with up to HalfOpenMax calls. All probes must
// succeed to close; the first probe failure re-opens immediately.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	fails    int       // consecutive failures while closed
	lastFail time.Time // start of the open period
	probes   int       // probes admitted this half-open round
	probeOK  int       // probes that succeeded this round
}

// NewCircuitBreaker creates a closed breaker, filling zero-valued config
// fields with package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{name: cfg.Name, cfg: cfg}
}

// Execute runs fn unless the breaker rejects the call, and feeds the outcome
// back into the state machine. The returned error is fn's own error, or
// [ErrCircuitOpen] if fn was never called.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.observe(err, probe)
	return err
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFail) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeOK = 0, 0
		slog.Info("circuit half-open, probing", "breaker", cb.name)
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// observe applies a call outcome to the state machine.
func (cb *CircuitBreaker) observe(callErr error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr != nil {
		cb.lastFail = time.Now()
		if probe {
			cb.state = StateOpen
			cb.fails = cb.cfg.MaxFailures
			slog.Warn("circuit re-opened by failed probe", "breaker", cb.name)
			return
		}
		cb.fails++
		if cb.fails >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			slog.Warn("circuit opened", "breaker", cb.name, "failures", cb.fails)
		}
		return
	}

	if probe {
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.fails, cb.probes, cb.probeOK = 0, 0, 0
			slog.Info("circuit closed", "breaker", cb.name)
		}
		return
	}
	cb.fails = 0
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reads as half-open; the stored state flips on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFail) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.fails, cb.probes, cb.probeOK = 0, 0, 0
	slog.Info("circuit reset", "breaker", cb.name)
}

// BreakerSet lazily creates one [CircuitBreaker] per key, all sharing the
// same configuration. The tool dispatcher keys breakers by webhook host so a
// misbehaving endpoint trips its own breaker without affecting tools that
// call elsewhere.
//
// BreakerSet is safe for concurrent use.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty [BreakerSet]. The Name field of cfg is
// ignored; each breaker is named after its key.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (bs *BreakerSet) Get(key string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	cb, ok := bs.breakers[key]
	if !ok {
		cfg := bs.cfg
		cfg.Name = key
		cb = NewCircuitBreaker(cfg)
		bs.breakers[key] = cb
	}
	return cb
}

// Execute runs fn through the breaker for key.
func (bs *BreakerSet) Execute(key string, fn func() error) error {
	return bs.Get(key).Execute(fn)
}
