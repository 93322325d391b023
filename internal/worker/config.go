package worker

import "time"

// Config tunes the worker loop.
type Config struct {
	// Lease is how long a received message stays hidden; every extension renews it.
	Lease time.Duration
	// RetryVisibility is the lease left on a failed message so it is redelivered soon.
	RetryVisibility time.Duration
	// PollInterval is the pause after finding the queue empty.
	PollInterval time.Duration
	// ErrorBackoff is the pause after a cycle failed unexpectedly.
	ErrorBackoff time.Duration
	// MaxDeliveries is the delivery count at which a failing message is dead-lettered.
	MaxDeliveries int
	// ExtendInterval is the period of lease renewals during an attempt. Progress
	// reports renew early once it has passed; zero renews on every report.
	ExtendInterval time.Duration
	// FinalizeTimeout bounds the bookkeeping done after cancellation.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Lease:           5 * time.Minute,
		RetryVisibility: 30 * time.Second,
		PollInterval:    5 * time.Second,
		ErrorBackoff:    2 * time.Second,
		MaxDeliveries:   5,
		ExtendInterval:  30 * time.Second,
		FinalizeTimeout: 5 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig. RetryVisibility and
// ExtendInterval may legitimately be zero and are kept as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	if c.RetryVisibility < 0 {
		c.RetryVisibility = 0
	}
	if c.ExtendInterval < 0 {
		c.ExtendInterval = 0
	}
	return c
}

// renewEvery is the period of timer-driven lease renewals. It falls back to a
// third of the lease when ExtendInterval is unset or would let the lease lapse.
func (c Config) renewEvery() time.Duration {
	if c.ExtendInterval > 0 && c.ExtendInterval < c.Lease {
		return c.ExtendInterval
	}
	return max(c.Lease/3, time.Millisecond)
}
