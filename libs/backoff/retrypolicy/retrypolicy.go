// Package retrypolicy implements a jittered exponential backoff policy.
package retrypolicy

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Done is returned by CalculateNextDelay when no further attempts should be made
const Done time.Duration = -1

const (
	defaultBackoffCoefficient = 2.0
	defaultMaximumCoefficient = 0.2
	noInterval                = 0
	noMaximumAttempts         = 0
)

var (
	// DefaultRetry - the default retry policy
	DefaultRetry = must(New(
		WithInitialInterval(50*time.Millisecond),
		WithBackoffCoefficient(defaultBackoffCoefficient),
		WithMaximumInterval(10*time.Second),
		WithExpirationInterval(time.Minute),
		WithMaximumAttempts(10),
	))

	// NoRetry - a policy which never retries
	NoRetry = must(New(
		WithMaximumAttempts(1),
	))
)

// Retry - the retry policy interface
type Retry interface {
	// CalculateNextDelay returns the delay before the next attempt,
	// or Done when the policy is exhausted
	CalculateNextDelay() time.Duration
}

// Option - an option setter for a policy
type Option func(*policy) error

type policy struct {
	currentAttempt     int
	startTime          time.Time
	initialInterval    time.Duration
	backoffCoefficient float64
	maximumInterval    time.Duration
	expirationInterval time.Duration
	maximumAttempt     int
}

// New - create a new retry policy from the given options
func New(options ...Option) (Retry, error) {
	p := &policy{
		startTime:          time.Now(),
		backoffCoefficient: defaultBackoffCoefficient,
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// WithInitialInterval - set the initial retry interval
func WithInitialInterval(interval time.Duration) Option {
	return func(p *policy) error {
		if interval < 0 {
			return errors.New("initial interval must not be negative")
		}
		p.initialInterval = interval
		return nil
	}
}

// WithBackoffCoefficient - set the backoff coefficient
func WithBackoffCoefficient(coefficient float64) Option {
	return func(p *policy) error {
		if coefficient < 1 {
			return errors.New("backoff coefficient must be at least 1")
		}
		p.backoffCoefficient = coefficient
		return nil
	}
}

// WithMaximumInterval - cap the retry interval
func WithMaximumInterval(interval time.Duration) Option {
	return func(p *policy) error {
		if interval < 0 {
			return errors.New("maximum interval must not be negative")
		}
		p.maximumInterval = interval
		return nil
	}
}

// WithExpirationInterval - bound the total time spent retrying
func WithExpirationInterval(interval time.Duration) Option {
	return func(p *policy) error {
		if interval < 0 {
			return errors.New("expiration interval must not be negative")
		}
		p.expirationInterval = interval
		return nil
	}
}

// WithMaximumAttempts - bound the number of attempts
func WithMaximumAttempts(attempts int) Option {
	return func(p *policy) error {
		if attempts < 0 {
			return errors.New("maximum attempts must not be negative")
		}
		p.maximumAttempt = attempts
		return nil
	}
}

// CalculateNextDelay returns the next backoff delay with jitter applied
func (p *policy) CalculateNextDelay() time.Duration {
	if p.maximumAttempt != noMaximumAttempts && p.currentAttempt >= p.maximumAttempt {
		return Done
	}

	elapsed := time.Since(p.startTime)
	if p.expirationInterval != noInterval && elapsed > p.expirationInterval {
		return Done
	}

	nextInterval := float64(p.initialInterval) * math.Pow(p.backoffCoefficient, float64(p.currentAttempt))
	if nextInterval <= 0 {
		return Done
	}

	if p.maximumInterval != noInterval {
		nextInterval = math.Min(nextInterval, float64(p.maximumInterval))
	}

	if p.expirationInterval != noInterval {
		remaining := float64(p.expirationInterval - elapsed)
		if remaining < nextInterval {
			nextInterval = remaining
		}
	}

	if nextInterval <= 0 {
		return Done
	}

	// jitter the interval by up to 20% in either direction
	jitter := nextInterval * defaultMaximumCoefficient
	nextInterval = nextInterval - jitter + (rand.Float64() * 2 * jitter)

	p.currentAttempt++

	return time.Duration(nextInterval)
}

func must(r Retry, err error) Retry {
	if err != nil {
		panic(err.Error())
	}
	return r
}
