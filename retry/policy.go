// Package retry computes backoff delays and retry decisions for request
// attempts. It is pure: randomness for jitter is injected so tests are
// deterministic.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// Strategy selects the delay curve.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyCustom      Strategy = "custom"
)

// ErrMissingCustomDelay is returned when the custom strategy has no delay
// function configured.
var ErrMissingCustomDelay = errors.New("custom retry strategy requires a delay function")

// Config holds the retry policy for a queue.
type Config struct {
	Strategy   Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
	MaxRetries int

	// RetryOn, when non-nil, replaces the default retryable status set.
	RetryOn []int
	// RetryIf, when non-nil, takes precedence over RetryOn and the default
	// set. It is not consulted for transport errors.
	RetryIf func(statusCode int, err error) bool
	// CustomDelay is required by StrategyCustom. attempt is 1-based.
	CustomDelay func(attempt int) time.Duration

	// Rand supplies jitter randomness; nil falls back to the global source.
	Rand *rand.Rand
}

// DefaultConfig returns the stock policy: exponential backoff from 1s capped
// at 30s, three retries, jitter on.
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyExponential,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
		MaxRetries: 3,
	}
}

// defaultRetryableStatuses are retried when no override is configured.
var defaultRetryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Delay returns the wait before the next attempt. attempt is 1-based: the
// attempt that just finished.
func (c Config) Delay(attempt int) (time.Duration, error) {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch c.Strategy {
	case StrategyLinear:
		d = c.BaseDelay * time.Duration(attempt)
	case StrategyFixed:
		d = c.BaseDelay
	case StrategyCustom:
		if c.CustomDelay == nil {
			return 0, ErrMissingCustomDelay
		}
		d = c.CustomDelay(attempt)
	default: // exponential
		// the shift can wrap to zero or a small positive value, so bound it
		// before shifting instead of inspecting the result
		shift := uint(attempt - 1)
		if c.BaseDelay > 0 && (shift >= 63 || c.BaseDelay > time.Duration(math.MaxInt64)>>shift) {
			d = c.MaxDelay
			if d <= 0 {
				d = time.Duration(math.MaxInt64)
			}
		} else {
			d = c.BaseDelay << shift
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}

	if c.Jitter {
		factor := 0.75 + 0.5*c.randFloat()
		ms := int64(float64(d.Milliseconds())*factor + 0.5)
		if ms < 0 {
			ms = 0
		}
		d = time.Duration(ms) * time.Millisecond
		if c.MaxDelay > 0 && d > c.MaxDelay {
			d = c.MaxDelay
		}
	}
	return d, nil
}

func (c Config) randFloat() float64 {
	if c.Rand != nil {
		return c.Rand.Float64()
	}
	return rand.Float64()
}

// ShouldRetry decides whether the outcome of the given 1-based attempt
// warrants another try. MaxRetries is the budget of retries after the first
// attempt, so a request may execute MaxRetries+1 times in total. statusCode
// is 0 when no response was received.
func (c Config) ShouldRetry(statusCode int, err error, attempt int) bool {
	if attempt > c.MaxRetries {
		return false
	}
	if statusCode == 0 {
		return IsTransient(err)
	}
	if c.RetryIf != nil {
		return c.RetryIf(statusCode, err)
	}
	if c.RetryOn != nil {
		for _, code := range c.RetryOn {
			if code == statusCode {
				return true
			}
		}
		return false
	}
	return defaultRetryableStatuses[statusCode]
}

// transientMarkers covers error strings from transports that do not expose
// typed causes.
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"timed out",
	"no such host",
	"broken pipe",
	"host is unreachable",
	"host unreachable",
	"network is unreachable",
	"eof",
}

// IsTransient classifies transport failures worth retrying: connection
// reset/refused, timeouts, DNS failures, broken pipes and unreachable
// hosts/networks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
