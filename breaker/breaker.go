// Package breaker implements the adaptive Circuit Breaker Fabric: a named
// registry of per-target breakers, each tracking a rolling sample window of
// latencies and outcomes and adapting its own trip threshold and open-state
// timeout to the observed error rate, rather than using one fixed threshold
// forever.
//
// Grounded on original_source/backend/agents/circuit_breaker_manager.py
// (AdaptiveMetrics ring buffer, get_adaptive_threshold/get_adaptive_timeout
// formulas, exponential backoff multiplier, half-open success quorum) and on
// llm/circuitbreaker/breaker.go for the closed/open/half-open state machine
// shape and RWMutex-guarded transitions.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/metrics"
)

// State is the circuit breaker's current lifecycle state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const sampleWindow = 100

// Config sets the non-adaptive baseline a breaker starts from; the
// adaptive formulas scale away from these as error rate drifts.
type Config struct {
	BaseThreshold int           // trips after this many failures while closed
	BaseTimeout   time.Duration // how long Open is held before probing
	Name          string
}

func (c Config) withDefaults() Config {
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = 5
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 30 * time.Second
	}
	return c
}

// sample is one ring-buffer slot: a latency and whether the call errored.
type sample struct {
	latencyMS float64
	isError   bool
}

// Breaker guards one target (a provider, a tool, a downstream dependency).
// All adaptive state is local to the breaker; the Manager only owns the
// name->Breaker map and optional persistence.
type Breaker struct {
	cfg   Config
	clock clock.Clock
	met   *metrics.Collectors
	log   *zap.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	successesInHalf int
	tripCount       int
	backoffMult     float64
	openedAt        time.Time
	samples         []sample
	sampleIdx       int
}

// New constructs a Breaker. met and logger may be nil.
func New(cfg Config, clk clock.Clock, met *metrics.Collectors, logger *zap.Logger) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:         cfg,
		clock:       clk,
		met:         met,
		log:         logger.With(zap.String("component", "breaker"), zap.String("name", cfg.Name)),
		backoffMult: 1.0,
	}
}

// Allow reports whether a call may proceed. In Open state before the
// adaptive timeout elapses, it returns a CircuitOpen error; once elapsed it
// transitions to HalfOpen. Every call is allowed through in HalfOpen until
// the success quorum closes the breaker or a failure reopens it.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return nil
	case Open:
		timeout := b.adaptiveTimeoutLocked()
		if b.clock.Now().Sub(b.openedAt) >= timeout {
			b.state = HalfOpen
			b.successesInHalf = 0
			b.setGaugeLocked()
			b.log.Info("breaker half-open, probing")
			return nil
		}
		return errs.New(errs.KindCircuitOpen, "circuit breaker open").WithProvider(b.cfg.Name)
	}
	return nil
}

// Record reports the outcome of a call that Allow permitted.
func (b *Breaker) Record(success bool, latencyMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, sample{})
	if len(b.samples) > sampleWindow {
		b.samples = b.samples[len(b.samples)-sampleWindow:]
	}
	b.samples[len(b.samples)-1] = sample{latencyMS: latencyMS, isError: !success}

	switch b.state {
	case HalfOpen:
		if success {
			b.successesInHalf++
			needed := halfOpenQuorum(b.tripCount)
			if b.successesInHalf >= needed {
				b.closeLocked()
			}
		} else {
			b.tripLocked()
		}
	case Closed:
		if success {
			b.consecutiveFail = 0
			return
		}
		b.consecutiveFail++
		if b.consecutiveFail >= b.adaptiveThresholdLocked() {
			b.tripLocked()
		}
	case Open:
		// A call should not have been allowed through; ignore.
	}
}

// halfOpenQuorum is min(3, trip_count+1), per circuit_breaker_manager.py.
func halfOpenQuorum(tripCount int) int {
	n := tripCount + 1
	if n > 3 {
		return 3
	}
	return n
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.tripCount++
	b.openedAt = b.clock.Now()
	b.consecutiveFail = 0
	b.backoffMult *= 1.5
	if b.backoffMult > 8.0 {
		b.backoffMult = 8.0
	}
	b.setGaugeLocked()
	if b.met != nil {
		b.met.BreakerTrips.WithLabelValues(b.cfg.Name).Inc()
	}
	b.log.Warn("breaker tripped open", zap.Int("trip_count", b.tripCount), zap.Float64("backoff_multiplier", b.backoffMult))
}

func (b *Breaker) closeLocked() {
	b.state = Closed
	b.consecutiveFail = 0
	b.successesInHalf = 0
	b.backoffMult /= 2
	if b.backoffMult < 1.0 {
		b.backoffMult = 1.0
	}
	b.setGaugeLocked()
	b.log.Info("breaker closed", zap.Float64("backoff_multiplier", b.backoffMult))
}

func (b *Breaker) setGaugeLocked() {
	if b.met == nil {
		return
	}
	var v float64
	switch b.state {
	case Open:
		v = 2
	case HalfOpen:
		v = 1
	}
	b.met.BreakerState.WithLabelValues(b.cfg.Name).Set(v)
}

// errorRateLocked returns the fraction of errored samples in the window.
func (b *Breaker) errorRateLocked() float64 {
	if len(b.samples) == 0 {
		return 0
	}
	var errCount int
	for _, s := range b.samples {
		if s.isError {
			errCount++
		}
	}
	return float64(errCount) / float64(len(b.samples))
}

// adaptiveThresholdLocked mirrors get_adaptive_threshold: the trip
// threshold shrinks as error rate rises and grows once the target has
// proven itself reliable over a full window.
func (b *Breaker) adaptiveThresholdLocked() int {
	base := b.cfg.BaseThreshold
	rate := b.errorRateLocked()
	switch {
	case rate > 0.5:
		t := base / 2
		if t < 2 {
			t = 2
		}
		return t
	case rate > 0.2:
		t := int(float64(base) * 0.7)
		if t < 3 {
			t = 3
		}
		return t
	case rate < 0.05 && len(b.samples) >= 50:
		t := base * 2
		if t > 15 {
			t = 15
		}
		return t
	default:
		return base
	}
}

// adaptiveTimeoutLocked mirrors get_adaptive_timeout, then layers the
// exponential backoff multiplier from repeated trips on top.
func (b *Breaker) adaptiveTimeoutLocked() time.Duration {
	base := b.cfg.BaseTimeout
	rate := b.errorRateLocked()
	var t time.Duration
	switch {
	case rate > 0.5:
		t = base * 3
		if t > 300*time.Second {
			t = 300 * time.Second
		}
	case rate > 0.2:
		t = base * 2
		if t > 180*time.Second {
			t = 180 * time.Second
		}
	case rate < 0.05:
		t = base / 2
		if t < 15*time.Second {
			t = 15 * time.Second
		}
	default:
		t = base
	}
	return time.Duration(float64(t) * b.backoffMult)
}

// Snapshot reports the breaker's current observable state.
type Snapshot struct {
	Name            string
	State           State
	TripCount       int
	ConsecutiveFail int
	ErrorRate       float64
	BackoffMultiplier float64
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.cfg.Name,
		State:           b.state,
		TripCount:       b.tripCount,
		ConsecutiveFail: b.consecutiveFail,
		ErrorRate:       b.errorRateLocked(),
		BackoffMultiplier: b.backoffMult,
	}
}
