package conn

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy computes reconnect delays. Two independent exponential backoffs are
// kept: a short one while the server answers health probes and a long one
// while it does not.
type Policy struct {
	healthy   *backoff.ExponentialBackOff
	unhealthy *backoff.ExponentialBackOff
}

func newExponential(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NewPolicy builds a policy from the connection settings
func NewPolicy(cfg Config) *Policy {
	return &Policy{
		healthy:   newExponential(cfg.HealthyBackoffInitial, cfg.HealthyBackoffMax),
		unhealthy: newExponential(cfg.UnhealthyBackoffInitial, cfg.UnhealthyBackoffMax),
	}
}

// Next returns the delay before the next attempt for the given health state
func (p *Policy) Next(serverAvailable bool) time.Duration {
	b := p.unhealthy
	if serverAvailable {
		b = p.healthy
	}
	d := b.NextBackOff()
	if d == backoff.Stop || d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d
}

// Ceiling returns the largest delay Next can return for the health state
func (p *Policy) Ceiling(serverAvailable bool) time.Duration {
	if serverAvailable {
		return p.healthy.MaxInterval
	}
	return p.unhealthy.MaxInterval
}

// Reset restarts both backoffs from their initial interval
func (p *Policy) Reset() {
	p.healthy.Reset()
	p.unhealthy.Reset()
}
