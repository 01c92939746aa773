package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomhq/loom/internal/clock"
)

// ErrOpen reports a fast-failed call through an open breaker.
var ErrOpen = errors.New("circuit breaker open")

// halfOpenSuccesses is the number of consecutive successes in half-open
// state required to close the breaker again.
const halfOpenSuccesses = 2

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Default 5.
	FailureThreshold uint32

	// Timeout is how long the breaker stays open before probing. Default 60s.
	Timeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Breaker guards calls to one downstream (typically one agent). It opens
// after a run of consecutive failures, fails fast while open, probes with
// a bounded number of half-open calls after the timeout, and closes again
// after two consecutive probe successes.
type Breaker struct {
	name string
	cfg  BreakerConfig
	clk  clock.Clock

	mu       sync.Mutex
	cb       *gobreaker.CircuitBreaker
	openedAt time.Time
}

// NewBreaker returns a closed breaker with the given name.
func NewBreaker(name string, cfg BreakerConfig, clk clock.Clock) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), clk: clk}
	b.cb = b.newStateMachine()
	return b
}

func (b *Breaker) newStateMachine() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: halfOpenSuccesses,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = b.clk.Now()
				b.mu.Unlock()
			}
		},
	})
}

// Call executes fn through the breaker. While open it fails fast with
// ErrOpen annotated with the remaining cooldown; fn's own error is passed
// through otherwise.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("recovery: breaker %q: %w (retry in %s)",
			b.name, ErrOpen, b.remainingCooldown().Round(time.Second))
	}
	return result, err
}

func (b *Breaker) remainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return 0
	}
	remaining := b.cfg.Timeout - b.clk.Now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the breaker's current state as "closed", "half_open", or
// "open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// Counts exposes the underlying rolling counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Reset forces the breaker back to closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newStateMachine()
	b.openedAt = time.Time{}
}

// BreakerSet lazily creates one Breaker per name, sharing a config.
type BreakerSet struct {
	clk clock.Clock

	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet returns an empty set minting breakers from cfg.
func NewBreakerSet(cfg BreakerConfig, clk clock.Clock) *BreakerSet {
	return &BreakerSet{
		clk:      clk,
		config:   cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.config, s.clk)
		s.breakers[name] = b
	}
	return b
}

// Names returns the names of all breakers created so far.
func (s *BreakerSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	return names
}
