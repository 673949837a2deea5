// Package circuitbreaker guards the oracle price feed against erroneous or
// stale answers and remembers the last reading that passed.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, readings rejected
	StateHalfOpen              // Testing if the feed has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned while the breaker rejects readings.
var ErrOpen = errors.New("circuit breaker open: price feed protection engaged")

// PriceReading is one oracle answer.
type PriceReading struct {
	RoundID   *big.Int  `json:"roundId"`
	Answer    *big.Int  `json:"answer"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Float returns the answer scaled by its decimals.
func (r PriceReading) Float() float64 {
	if r.Answer == nil {
		return 0
	}
	f := new(big.Float).SetInt(r.Answer)
	f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.Decimals)), nil)))
	v, _ := f.Float64()
	return v
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Maximum allowed change between consecutive good readings (e.g., 0.5 for 50%)
	MaxPriceChange float64 `json:"max_price_change"`

	// Maximum age of a reading's UpdatedAt. Zero disables the check.
	MaxAge time.Duration `json:"max_age"`
}

// CircuitBreaker trips on a bad reading, rejects readings for resetDelay,
// then needs successThreshold good readings in a row to close again.
type CircuitBreaker struct {
	thresholds Thresholds

	mu       sync.RWMutex
	state    State
	lastTrip time.Time

	// Duration before auto-reset attempt
	resetDelay time.Duration

	history []PriceReading

	successCount     int
	successThreshold int

	onStateChange func(State)
	now           func() time.Time
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of good readings needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithStateCallback registers fn to be called synchronously on every state
// change, e.g. to export the state as a metric.
func (cb *CircuitBreaker) WithStateCallback(fn func(State)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Check validates r. A reading that passes becomes the last good one.
func (cb *CircuitBreaker) Check(r PriceReading) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastTrip) <= cb.resetDelay {
			return ErrOpen
		}
		cb.setState(StateHalfOpen)
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing price feed recovery")
	}

	if r.Answer == nil || r.Answer.Sign() <= 0 {
		return cb.trip(fmt.Sprintf("non-positive price answer: %v", r.Answer))
	}

	if cb.thresholds.MaxAge > 0 && !r.UpdatedAt.IsZero() {
		if age := cb.now().Sub(r.UpdatedAt); age > cb.thresholds.MaxAge {
			return cb.trip(fmt.Sprintf("price is stale: updated %v ago (max %v)", age.Round(time.Second), cb.thresholds.MaxAge))
		}
	}

	if n := len(cb.history); n > 0 && cb.thresholds.MaxPriceChange > 0 {
		last := cb.history[n-1].Float()
		if last > 0 {
			change := math.Abs(r.Float()-last) / last
			if change > cb.thresholds.MaxPriceChange {
				return cb.trip(fmt.Sprintf("price change too drastic: %.2f%% (threshold: %.2f%%)",
					change*100, cb.thresholds.MaxPriceChange*100))
			}
		}
	}

	logrus.Debug("Circuit breaker checks passed")
	cb.addToHistory(r)

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: price feed has recovered")
		}
	}
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.successCount = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGood returns the most recent reading that passed, if any.
func (cb *CircuitBreaker) LastGood() (PriceReading, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if len(cb.history) == 0 {
		return PriceReading{}, false
	}
	return cb.history[len(cb.history)-1], true
}

func (cb *CircuitBreaker) trip(reason string) error {
	cb.setState(StateOpen)
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)
	return errors.New(reason)
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(s)
	}
}

// addToHistory adds a reading to the history, maintaining a bounded size
func (cb *CircuitBreaker) addToHistory(r PriceReading) {
	cb.history = append(cb.history, r)

	const maxHistorySize = 100
	if len(cb.history) > maxHistorySize {
		cb.history = cb.history[len(cb.history)-maxHistorySize:]
	}
}
