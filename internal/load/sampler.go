// Package load provides system-load samples in [0, 1] for adaptive throttling.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sony/gobreaker"
)

// Sampler returns the current load as a fraction of capacity.
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (float64, error)

func (f SamplerFunc) Sample(ctx context.Context) (float64, error) {
	return f(ctx)
}

// Static always reports the same load.
type Static float64

func (s Static) Sample(context.Context) (float64, error) {
	return float64(s), nil
}

// SystemSampler reports the higher of CPU and memory utilisation.
type SystemSampler struct{}

// NewSystemSampler primes the CPU counters so the first sample is meaningful.
func NewSystemSampler() *SystemSampler {
	_, _ = cpu.Percent(0, false)
	return &SystemSampler{}
}

func (s *SystemSampler) Sample(ctx context.Context) (float64, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read memory usage: %w", err)
	}

	busiest := vm.UsedPercent
	if len(cpuPct) > 0 && cpuPct[0] > busiest {
		busiest = cpuPct[0]
	}
	return busiest / 100, nil
}

// BreakerSampler stops calling a failing sampler for a while so a broken load
// source costs nothing on the request path.
type BreakerSampler struct {
	next Sampler
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSampler wraps next in a circuit breaker that opens after three
// consecutive failures and probes again after cooldown.
func NewBreakerSampler(next Sampler, cooldown time.Duration, logger *slog.Logger) *BreakerSampler {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "load-sampler",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"component", "load",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}
	return &BreakerSampler{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerSampler) Sample(ctx context.Context) (float64, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Sample(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// State reports the breaker state.
func (b *BreakerSampler) State() gobreaker.State {
	return b.cb.State()
}

// ErrTimeout is returned by Bounded when the sampler does not answer in time.
var ErrTimeout = errors.New("load sample timed out")

// Bounded samples s with a deadline. Errors, timeouts and panics all yield a
// load of 0 together with the cause; results are clamped to [0, 1].
func Bounded(ctx context.Context, s Sampler, timeout time.Duration) (load float64, err error) {
	if s == nil {
		return 0, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("load sampler panicked: %v", r)}
			}
		}()
		v, err := s.Sample(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, r.err
		}
		return min(max(r.v, 0), 1), nil
	case <-ctx.Done():
		return 0, ErrTimeout
	}
}
