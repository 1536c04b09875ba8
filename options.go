package relaytcp

import "time"

// Default timing constants (§4.5, §9). Relative ordering matters more than
// the absolute values: ping frequency < ping timeout < connection timeout,
// so a ping is always given a chance to complete and a connection is never
// killed mid-handshake by the ping timer.
const (
	DefaultPingFrequency    = 30 * time.Second
	DefaultPingTimeout      = 60 * time.Second
	DefaultConnectionTimeout = 10 * time.Minute
)

// engineConfig holds the options New() applies before constructing an
// Engine, mirroring the teacher's Config/Option split in options.go.
type engineConfig struct {
	clock Clock

	handlers Handlers
	metrics  Metrics

	pingFrequency     time.Duration
	pingTimeout       time.Duration
	connectionTimeout time.Duration
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		clock:             RealClock{},
		metrics:           NewDefaultMetrics(),
		pingFrequency:     DefaultPingFrequency,
		pingTimeout:       DefaultPingTimeout,
		connectionTimeout: DefaultConnectionTimeout,
	}
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// WithClock overrides the clock New() reads to set the absolute connection
// deadline. Tick does not read it: ping and timeout checks use the time
// passed to Tick. Tests use it to inject a ManualClock so the deadline and
// the times they pass to Tick come from the same controllable source.
func WithClock(c Clock) Option {
	return func(cfg *engineConfig) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithHandlers installs the host hooks the engine dispatches control
// protocol events through (§4.4). Any hook left nil in h is a no-op for
// that event; calling WithHandlers more than once replaces the whole set.
func WithHandlers(h Handlers) Option {
	return func(cfg *engineConfig) {
		cfg.handlers = h
	}
}

// WithPingFrequency overrides how often a CONFIRMED engine sends a
// liveness PING when idle.
func WithPingFrequency(d time.Duration) Option {
	return func(cfg *engineConfig) {
		if d > 0 {
			cfg.pingFrequency = d
		}
	}
}

// WithPingTimeout overrides how long an outstanding PING may go
// unanswered before the engine disconnects.
func WithPingTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) {
		if d > 0 {
			cfg.pingTimeout = d
		}
	}
}

// WithMetrics attaches a Metrics sink the engine reports record/byte/ping
// counts to. Passing nil disables metrics tracking entirely.
func WithMetrics(m Metrics) Option {
	return func(cfg *engineConfig) {
		cfg.metrics = m
	}
}

// WithConnectionTimeout overrides the absolute deadline set once at
// construction (§3, §9): the engine disconnects once this much time has
// passed since New(), regardless of activity.
func WithConnectionTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) {
		if d > 0 {
			cfg.connectionTimeout = d
		}
	}
}
