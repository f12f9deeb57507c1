// Package clock estimates the offset between the local clock and the
// recording server's clock.
package clock

import (
	"fmt"
	"time"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/metrics"
)

const (
	DefaultSamples   = 30
	DefaultMaxRounds = 10
)

// Clock reads the local time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the process clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Estimator averages paired remote/local readings. A round that sums to
// exactly zero is degenerate and is sampled again as a whole, at most
// MaxRounds times.
type Estimator struct {
	Samples   int
	MaxRounds int
	Local     Clock
	Remote    domain.RemoteClock
}

// EstimateOffset runs an Estimator with DefaultMaxRounds and returns the
// mean of (remote - local) in milliseconds.
func EstimateOffset(sampleCount int, local Clock, remote domain.RemoteClock) (float64, error) {
	return Estimator{Samples: sampleCount, MaxRounds: DefaultMaxRounds, Local: local, Remote: remote}.Estimate()
}

// Estimate returns the mean offset of the first non-degenerate round in
// milliseconds. It blocks until that round completes.
func (e Estimator) Estimate() (float64, error) {
	n := e.Samples
	if n <= 0 {
		n = DefaultSamples
	}
	maxRounds := e.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	local := e.Local
	if local == nil {
		local = SystemClock{}
	}
	if e.Remote == nil {
		return 0, fmt.Errorf("%w: no remote clock configured", domain.ErrClockUnavailable)
	}

	logger := xlog.WithComponent("clock")
	for round := 1; round <= maxRounds; round++ {
		var sum float64
		for i := 0; i < n; i++ {
			remote, err := e.Remote.Now()
			if err != nil {
				return 0, fmt.Errorf("%w: %w", domain.ErrClockUnavailable, err)
			}
			sum += millis(remote.Sub(local.Now()))
		}
		if sum != 0 {
			offset := sum / float64(n)
			metrics.ClockRounds.Observe(float64(round))
			metrics.ClockOffsetMs.Set(offset)
			logger.Debug().Int("rounds", round).Int("samples", n).Float64("offset_ms", offset).Msg("clock offset estimated")
			return offset, nil
		}
		logger.Debug().Int("round", round).Msg("zero clock delta, resampling")
	}
	metrics.ClockRounds.Observe(float64(maxRounds))
	return 0, fmt.Errorf("%w: %d sampling rounds summed to zero", domain.ErrClockUnavailable, maxRounds)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
